package email

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
	storagesync "github.com/exef-pl/faktury/internal/sync"
)

// WatcherConfig holds configuration for the email watcher.
type WatcherConfig struct {
	PollInterval time.Duration
}

// DefaultWatcherConfig returns default configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{PollInterval: 120 * time.Second}
}

// Watcher polls registered mailboxes and ingests candidate attachments.
type Watcher struct {
	config WatcherConfig
	sink   Sink
	logger *zap.Logger

	mu        gosync.RWMutex
	mailboxes map[string]Mailbox

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	wg        gosync.WaitGroup
}

// NewWatcher creates an email watcher.
func NewWatcher(config WatcherConfig, sink Sink, logger *zap.Logger) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWatcherConfig().PollInterval
	}
	return &Watcher{
		config:    config,
		sink:      sink,
		logger:    logger,
		mailboxes: make(map[string]Mailbox),
	}
}

// Register adds a mailbox under a stable id.
func (w *Watcher) Register(id string, m Mailbox) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mailboxes[id] = m
}

// SetMailboxes replaces the whole mailbox set. Accounts absent from the new
// set stop being polled on the next tick.
func (w *Watcher) SetMailboxes(boxes map[string]Mailbox) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mailboxes = make(map[string]Mailbox, len(boxes))
	for id, m := range boxes {
		w.mailboxes[id] = m
	}
}

// Name implements the worker contract.
func (w *Watcher) Name() string { return "email-watcher" }

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("email watcher already running")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.isRunning = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()

	w.logger.Info("Email watcher started",
		zap.Duration("poll_interval", w.config.PollInterval))
	return nil
}

// Stop cancels the loop and waits for the current pass to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("Email watcher stopped")
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	w.PollNow(w.ctx)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.PollNow(w.ctx)
		}
	}
}

// PollNow runs one pass over all mailboxes. Per-mailbox failures are logged
// and do not abort the pass.
func (w *Watcher) PollNow(ctx context.Context) int {
	w.mu.RLock()
	boxes := make(map[string]Mailbox, len(w.mailboxes))
	for id, m := range w.mailboxes {
		boxes[id] = m
	}
	w.mu.RUnlock()

	total := 0
	for id, box := range boxes {
		if ctx.Err() != nil {
			return total
		}
		n, err := w.pollMailbox(ctx, box)
		total += n
		if err != nil {
			w.logger.Error("Mailbox poll failed",
				zap.String("mailbox", id), zap.Error(err))
		}
	}
	return total
}

func (w *Watcher) pollMailbox(ctx context.Context, box Mailbox) (int, error) {
	attachments, err := box.ListAttachments(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, a := range attachments {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		if !storagesync.IsCandidate(a.FileName) {
			continue
		}

		sourceKey := SourceKey(a.MessageID, a.FileName)
		if existing, err := w.sink.GetInvoiceBySourceKey(sourceKey); err == nil && existing != nil {
			continue
		}

		data, err := box.DownloadAttachment(ctx, a.MessageID, a.AttachmentID)
		if err != nil {
			w.logger.Error("Attachment download failed",
				zap.String("message_id", a.MessageID),
				zap.String("file", a.FileName),
				zap.Error(err))
			continue
		}

		_, err = w.sink.AddInvoice(ctx, entity.SourceEmail, data, inbox.Metadata{
			FileName:     a.FileName,
			FileType:     a.FileType,
			FileSize:     a.FileSize,
			SourceKey:    sourceKey,
			EmailSubject: a.EmailSubject,
			EmailFrom:    a.EmailFrom,
			EmailDate:    a.EmailDate,
		})
		if err != nil {
			w.logger.Error("Failed to ingest attachment",
				zap.String("file", a.FileName), zap.Error(err))
			continue
		}
		added++
	}
	return added, nil
}
