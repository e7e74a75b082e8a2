package ksef

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/inbox"
)

// IngesterConfig holds configuration for the KSeF ingester.
type IngesterConfig struct {
	PollInterval time.Duration
}

// DefaultIngesterConfig returns default configuration.
func DefaultIngesterConfig() IngesterConfig {
	return IngesterConfig{PollInterval: 300 * time.Second}
}

// Ingester polls the KSeF metadata query and downloads new invoices. The
// since mark advances to the poll start time only after a fully successful
// run, so a failed run is retried over the same window.
type Ingester struct {
	config IngesterConfig
	client Client
	sink   Sink
	bus    dispatcher.Dispatcher
	logger *zap.Logger

	mu          gosync.RWMutex
	accessToken string
	since       string

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	wg        gosync.WaitGroup
}

// NewIngester creates the KSeF ingester.
func NewIngester(config IngesterConfig, client Client, sink Sink, bus dispatcher.Dispatcher, logger *zap.Logger) *Ingester {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultIngesterConfig().PollInterval
	}
	return &Ingester{
		config: config,
		client: client,
		sink:   sink,
		bus:    bus,
		logger: logger,
	}
}

// SetAccessToken installs the session token used for polling and downloads.
func (k *Ingester) SetAccessToken(token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = token
}

// Since returns the current high-water mark.
func (k *Ingester) Since() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.since
}

// SetSince seeds a persisted high-water mark at startup.
func (k *Ingester) SetSince(since string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.since = since
}

// Name implements the worker contract.
func (k *Ingester) Name() string { return "ksef-ingester" }

// Start launches the poll loop.
func (k *Ingester) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.isRunning {
		k.mu.Unlock()
		return fmt.Errorf("ksef ingester already running")
	}
	k.ctx, k.cancel = context.WithCancel(ctx)
	k.isRunning = true
	k.mu.Unlock()

	k.wg.Add(1)
	go k.loop()

	k.logger.Info("KSeF ingester started",
		zap.Duration("poll_interval", k.config.PollInterval))
	return nil
}

// Stop cancels the loop and waits for the current poll to finish.
func (k *Ingester) Stop() {
	k.mu.Lock()
	if !k.isRunning {
		k.mu.Unlock()
		return
	}
	k.isRunning = false
	cancel := k.cancel
	k.mu.Unlock()

	cancel()
	k.wg.Wait()
	k.logger.Info("KSeF ingester stopped")
}

func (k *Ingester) loop() {
	defer k.wg.Done()

	k.PollNow(k.ctx)

	ticker := time.NewTicker(k.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.PollNow(k.ctx)
		}
	}
}

// PollNow runs one metadata query and ingests every new referenced invoice.
func (k *Ingester) PollNow(ctx context.Context) (int, error) {
	k.mu.RLock()
	token, since := k.accessToken, k.since
	k.mu.RUnlock()
	if token == "" {
		return 0, nil
	}

	pollStart := time.Now().UTC().Format(time.RFC3339)
	metas, err := k.client.PollNewInvoices(ctx, PollQuery{AccessToken: token, Since: since})
	if err != nil {
		k.emitError(ctx, err)
		return 0, fmt.Errorf("ksef poll: %w", err)
	}

	added := 0
	for _, m := range metas {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		ref := m.Reference()
		if ref == "" {
			continue
		}

		sourceKey := SourceKey(ref)
		if existing, err := k.sink.GetInvoiceBySourceKey(sourceKey); err == nil && existing != nil {
			continue
		}

		xml, err := k.client.DownloadInvoice(ctx, token, ref, "xml")
		if err != nil {
			k.emitError(ctx, err)
			return added, fmt.Errorf("ksef download %s: %w", ref, err)
		}

		fileName := fmt.Sprintf("ksef_%s.xml", ref)
		_, err = k.sink.AddInvoice(ctx, entity.SourceKSeF, xml, inbox.Metadata{
			FileName:  fileName,
			FileType:  "application/xml",
			FileSize:  int64(len(xml)),
			SourceKey: sourceKey,
		})
		if err != nil {
			k.emitError(ctx, err)
			return added, fmt.Errorf("ksef ingest %s: %w", ref, err)
		}
		added++
	}

	k.mu.Lock()
	k.since = pollStart
	k.mu.Unlock()

	if k.bus != nil {
		k.bus.DispatchAsync(ctx, event.NewEvent(event.TypeKSeFPolled, "", map[string]interface{}{
			"added": added,
			"since": pollStart,
		}))
	}
	if added > 0 {
		k.logger.Info("KSeF poll finished", zap.Int("added", added))
	}
	return added, nil
}

func (k *Ingester) emitError(ctx context.Context, err error) {
	k.logger.Error("KSeF poll failed", zap.Error(err))
	if k.bus != nil {
		k.bus.DispatchAsync(ctx, event.NewEvent(event.TypeKSeFError, "", map[string]interface{}{
			"error": err.Error(),
		}))
	}
}
