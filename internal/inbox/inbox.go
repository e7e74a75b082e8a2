// Package inbox implements the unified invoice inbox: the single registry all
// pollers feed into. It owns status transitions, dedup via sourceKey and
// lifecycle event emission.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/domain/workflow"
	"github.com/exef-pl/faktury/internal/store"
)

var (
	// ErrNotFound is returned when the requested invoice does not exist.
	ErrNotFound = errors.New("invoice not found")

	// ErrValidation is returned on bad input; no state change happened.
	ErrValidation = errors.New("validation failed")
)

// Metadata describes an intake document.
type Metadata struct {
	FileName     string
	FileType     string
	FileSize     int64
	SourceKey    string
	SourcePath   string
	EmailSubject string
	EmailFrom    string
	EmailDate    string
}

// Update is a patch applied through UpdateInvoice. Nil fields are untouched.
type Update struct {
	ContractorNip   *string
	ContractorName  *string
	InvoiceNumber   *string
	IssueDate       *string
	DueDate         *string
	Currency        *string
	GrossAmount     *float64
	NetAmount       *float64
	VatAmount       *float64
	OCRData         *entity.ParsedDocument
	ParsedData      *entity.ParsedDocument
	Suggestion      *entity.Suggestion
	Category        *string
	ExpenseTypeID   *string
	ProjectID       *string
	LabelIDs        *[]string
	Description     *string
	MPK             *string
	RejectionReason *string
}

// Inbox is the in-process invoice registry backed by a Store. All mutations
// for a single invoice id are serialized through a per-id lock; events are
// emitted after the store write commits.
type Inbox struct {
	store     store.Store
	bus       dispatcher.Dispatcher
	lifecycle workflow.StateMachineBuilder
	logger    *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an inbox over the given store and event bus.
func New(st store.Store, bus dispatcher.Dispatcher, logger *zap.Logger) *Inbox {
	return &Inbox{
		store:     st,
		bus:       bus,
		lifecycle: workflow.NewInvoiceLifecycle(),
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (b *Inbox) lockFor(id string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	mu, ok := b.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[id] = mu
	}
	return mu
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// normalizeLabels returns a deduplicated ordered set of non-empty labels.
func normalizeLabels(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// AddInvoice registers a document. When meta.SourceKey matches an existing
// record the call is a no-op returning that record; otherwise a new invoice
// in status pending is stored and invoice:added is emitted.
func (b *Inbox) AddInvoice(ctx context.Context, source entity.Source, fileBytes []byte, meta Metadata) (*entity.Invoice, error) {
	if !source.IsValid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrValidation, source)
	}

	if meta.SourceKey != "" {
		// the lookup and the save must be one critical section, or two
		// concurrent adds of the same key both see it absent
		mu := b.lockFor("sourceKey:" + meta.SourceKey)
		mu.Lock()
		defer mu.Unlock()

		existing, err := b.store.GetBySourceKey(meta.SourceKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			b.logger.Debug("Duplicate sourceKey ignored",
				zap.String("source_key", meta.SourceKey),
				zap.String("invoice_id", existing.ID))
			return existing, nil
		}
	}

	now := time.Now()
	inv := &entity.Invoice{
		ID:           uuid.NewString(),
		Source:       source,
		Status:       workflow.StatePending.String(),
		OriginalFile: fileBytes,
		FileName:     meta.FileName,
		FileType:     meta.FileType,
		FileSize:     meta.FileSize,
		SourceKey:    meta.SourceKey,
		SourcePath:   meta.SourcePath,
		EmailSubject: meta.EmailSubject,
		EmailFrom:    meta.EmailFrom,
		EmailDate:    meta.EmailDate,
		Currency:     "PLN",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if inv.FileSize == 0 {
		inv.FileSize = int64(len(fileBytes))
	}

	if err := b.store.Save(inv); err != nil {
		return nil, err
	}

	b.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeInvoiceAdded, inv))
	b.logger.Info("Invoice added",
		zap.String("invoice_id", inv.ID),
		zap.String("source", source.String()),
		zap.String("file_name", inv.FileName))
	return inv.Clone(), nil
}

// GetInvoice returns the invoice or ErrNotFound.
func (b *Inbox) GetInvoice(id string) (*entity.Invoice, error) {
	inv, err := b.store.Get(id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return inv, nil
}

// GetInvoiceBySourceKey returns the invoice with the given dedup key or
// (nil, nil) when absent. Absence is a normal dedup outcome, not an error.
func (b *Inbox) GetInvoiceBySourceKey(key string) (*entity.Invoice, error) {
	return b.store.GetBySourceKey(key)
}

// UpdateInvoice applies a patch. Every update rewrites UpdatedAt. Monetary
// amounts are rounded to two decimals at this boundary.
func (b *Inbox) UpdateInvoice(ctx context.Context, id string, patch Update) (*entity.Invoice, error) {
	mu := b.lockFor(id)
	mu.Lock()

	inv, err := b.store.Get(id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if inv == nil {
		mu.Unlock()
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}

	applyPatch(inv, patch)
	inv.UpdatedAt = time.Now()

	if err := b.store.Save(inv); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	b.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeInvoiceUpdated, inv))
	return inv.Clone(), nil
}

func applyPatch(inv *entity.Invoice, p Update) {
	if p.ContractorNip != nil {
		inv.ContractorNip = *p.ContractorNip
	}
	if p.ContractorName != nil {
		inv.ContractorName = *p.ContractorName
	}
	if p.InvoiceNumber != nil {
		inv.InvoiceNumber = *p.InvoiceNumber
	}
	if p.IssueDate != nil {
		inv.IssueDate = *p.IssueDate
	}
	if p.DueDate != nil {
		inv.DueDate = *p.DueDate
	}
	if p.Currency != nil {
		inv.Currency = *p.Currency
	}
	if p.GrossAmount != nil {
		v := round2(*p.GrossAmount)
		inv.GrossAmount = &v
	}
	if p.NetAmount != nil {
		v := round2(*p.NetAmount)
		inv.NetAmount = &v
	}
	if p.VatAmount != nil {
		v := round2(*p.VatAmount)
		inv.VatAmount = &v
	}
	if p.OCRData != nil {
		d := *p.OCRData
		inv.OCRData = &d
	}
	if p.ParsedData != nil {
		d := *p.ParsedData
		inv.ParsedData = &d
	}
	if p.Suggestion != nil {
		s := *p.Suggestion
		inv.Suggestion = &s
	}
	if p.Category != nil {
		inv.Category = *p.Category
	}
	if p.ExpenseTypeID != nil {
		inv.ExpenseTypeID = *p.ExpenseTypeID
	}
	if p.ProjectID != nil {
		inv.ProjectID = *p.ProjectID
	}
	if p.LabelIDs != nil {
		inv.LabelIDs = normalizeLabels(*p.LabelIDs)
	}
	if p.Description != nil {
		inv.Description = *p.Description
	}
	if p.MPK != nil {
		inv.MPK = *p.MPK
	}
	if p.RejectionReason != nil {
		inv.RejectionReason = *p.RejectionReason
	}
}

// SetStatus is the sole mutator of Status. The transition is validated
// against the invoice lifecycle; lifecycle timestamps are stamped on entry
// into described, approved and booked. Emits invoice:<status>.
func (b *Inbox) SetStatus(ctx context.Context, id string, status workflow.State) (*entity.Invoice, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	mu := b.lockFor(id)
	mu.Lock()

	inv, err := b.store.Get(id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if inv == nil {
		mu.Unlock()
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}

	trigger, ok := triggerFor(workflow.State(inv.Status), status)
	if !ok {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", workflow.ErrInvalidTransition, inv.Status, status)
	}
	machine := b.lifecycle.Build(workflow.State(inv.Status))
	if err := machine.Fire(ctx, trigger); err != nil {
		mu.Unlock()
		return nil, err
	}

	now := time.Now()
	inv.Status = machine.State().String()
	inv.UpdatedAt = now
	switch machine.State() {
	case workflow.StateDescribed:
		inv.ProcessedAt = &now
	case workflow.StateApproved:
		inv.ApprovedAt = &now
	case workflow.StateBooked:
		inv.BookedAt = &now
	}

	if err := b.store.Save(inv); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	b.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.ForStatus(inv.Status), inv))
	b.logger.Info("Invoice status changed",
		zap.String("invoice_id", id),
		zap.String("status", inv.Status))
	return inv.Clone(), nil
}

// triggerFor maps a desired target status onto the lifecycle trigger.
func triggerFor(from, to workflow.State) (workflow.Trigger, bool) {
	switch to {
	case workflow.StateOCR:
		return workflow.TriggerStartOCR, true
	case workflow.StateDescribed:
		return workflow.TriggerCompleteOCR, true
	case workflow.StateApproved:
		return workflow.TriggerApprove, true
	case workflow.StateRejected:
		return workflow.TriggerReject, true
	case workflow.StateBooked:
		return workflow.TriggerBook, true
	default:
		_ = from
		return "", false
	}
}

// DeleteInvoice removes a record permanently.
func (b *Inbox) DeleteInvoice(id string) error {
	err := b.store.Delete(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return err
}

// ListInvoices returns invoices matching the filter in insertion order.
func (b *Inbox) ListInvoices(f store.Filter) ([]*entity.Invoice, error) {
	return b.store.List(f)
}

// GetFile returns the stored document blob.
func (b *Inbox) GetFile(id string) (*store.FilePayload, error) {
	p, err := b.store.GetFile(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return p, err
}

// GetStats aggregates counts by status and source.
func (b *Inbox) GetStats() (*entity.Stats, error) {
	all, err := b.store.List(store.Filter{})
	if err != nil {
		return nil, err
	}

	stats := &entity.Stats{
		Total:    len(all),
		ByStatus: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, inv := range all {
		stats.ByStatus[inv.Status]++
		stats.BySource[inv.Source.String()]++
	}
	return stats, nil
}

// PurgeEmpty deletes records that carry no file bytes and never advanced past
// pending. Returns the number of purged records.
func (b *Inbox) PurgeEmpty() (int, error) {
	all, err := b.store.List(store.Filter{Status: workflow.StatePending.String()})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, inv := range all {
		if inv.HasFile() || inv.ProcessedAt != nil {
			continue
		}
		if err := b.store.Delete(inv.ID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		b.logger.Info("Purged empty invoices", zap.Int("count", purged))
	}
	return purged, nil
}
