// Package workflow hosts the orchestrator that wires the inbox, parse
// pipeline, suggestion engine, exporters and the source pollers into the
// invoice lifecycle. It owns the event subscriptions that move records
// through pending -> ocr -> described and persists poller state.
package workflow

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/describe"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	lifecycle "github.com/exef-pl/faktury/internal/domain/workflow"
	"github.com/exef-pl/faktury/internal/email"
	"github.com/exef-pl/faktury/internal/export"
	"github.com/exef-pl/faktury/internal/inbox"
	"github.com/exef-pl/faktury/internal/ksef"
	"github.com/exef-pl/faktury/internal/ocr"
	"github.com/exef-pl/faktury/internal/store"
	storagesync "github.com/exef-pl/faktury/internal/sync"
)

// persistDelay is the quiet period before poller state is written to the
// store. Sync runs emit one state:changed per page; coalescing keeps that
// at one settings write per burst.
const persistDelay = time.Second

// Components are the collaborators the engine drives. Scheduler, Mail and
// KSeF are optional; a nil poller disables the matching configure call.
type Components struct {
	Inbox     *inbox.Inbox
	Pipeline  *ocr.Pipeline
	Describe  *describe.Engine
	Exporter  *export.Service
	Scheduler *storagesync.Scheduler
	Mail      *email.Watcher
	KSeF      *ksef.Ingester
	Store     store.Store
	Bus       dispatcher.Dispatcher
}

// Config tunes engine behavior.
type Config struct {
	// AutoProcess runs ProcessInvoice on every invoice:added event.
	AutoProcess bool
}

// Engine is the workflow orchestrator.
type Engine struct {
	cfg       Config
	inbox     *inbox.Inbox
	describe  *describe.Engine
	exporter  *export.Service
	scheduler *storagesync.Scheduler
	mail      *email.Watcher
	ksef      *ksef.Ingester
	store     store.Store
	bus       dispatcher.Dispatcher
	logger    *zap.Logger

	mu          gosync.RWMutex
	pipeline    *ocr.Pipeline
	connections []*entity.Connection

	persist *debounced
}

// NewEngine creates the orchestrator over the given components.
func NewEngine(cfg Config, c Components, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		inbox:     c.Inbox,
		pipeline:  c.Pipeline,
		describe:  c.Describe,
		exporter:  c.Exporter,
		scheduler: c.Scheduler,
		mail:      c.Mail,
		ksef:      c.KSeF,
		store:     c.Store,
		bus:       c.Bus,
		logger:    logger,
	}
	e.persist = newDebounced(persistDelay, e.persistPollerState)
	return e
}

// Name implements the worker contract.
func (e *Engine) Name() string { return "workflow-engine" }

// Start loads persisted poller state and registers event subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.loadPollerState()

	e.bus.SubscribeNamed(event.TypeStateChanged, "workflow:persist", func(ctx context.Context, evt *event.Event) error {
		e.persist.Trigger()
		return nil
	})
	e.bus.SubscribeNamed(event.TypeConnectionUpdated, "workflow:persist", func(ctx context.Context, evt *event.Event) error {
		e.persist.Trigger()
		return nil
	})
	e.bus.SubscribeNamed(event.TypeKSeFPolled, "workflow:ksef-since", func(ctx context.Context, evt *event.Event) error {
		e.saveKsefSince(evt.GetPayloadString("since"))
		return nil
	})
	if e.cfg.AutoProcess {
		e.bus.SubscribeNamed(event.TypeInvoiceAdded, "workflow:process", func(ctx context.Context, evt *event.Event) error {
			if _, err := e.ProcessInvoice(ctx, evt.InvoiceID); err != nil {
				e.logger.Warn("Auto-process failed",
					zap.String("invoice_id", evt.InvoiceID),
					zap.Error(err))
			}
			return nil
		})
	}
	e.logger.Info("Workflow engine started", zap.Bool("auto_process", e.cfg.AutoProcess))
	return nil
}

// Stop flushes any pending state write and detaches subscriptions.
func (e *Engine) Stop() {
	e.persist.Flush()
	e.bus.Unsubscribe(event.TypeStateChanged, "workflow:persist")
	e.bus.Unsubscribe(event.TypeConnectionUpdated, "workflow:persist")
	e.bus.Unsubscribe(event.TypeKSeFPolled, "workflow:ksef-since")
	if e.cfg.AutoProcess {
		e.bus.Unsubscribe(event.TypeInvoiceAdded, "workflow:process")
	}
}

// ProcessInvoice drives one record through pending -> ocr -> described. A
// parse failure leaves the record in ocr so the run can be retried; the
// error is also broadcast as ocr:error.
func (e *Engine) ProcessInvoice(ctx context.Context, id string) (*entity.Invoice, error) {
	inv, err := e.inbox.GetInvoice(id)
	if err != nil {
		return nil, err
	}

	switch lifecycle.State(inv.Status) {
	case lifecycle.StatePending:
		if inv, err = e.inbox.SetStatus(ctx, id, lifecycle.StateOCR); err != nil {
			return nil, err
		}
	case lifecycle.StateOCR:
		// Retry of a previously failed parse.
	default:
		return nil, fmt.Errorf("%w: cannot process invoice in status %s", inbox.ErrValidation, inv.Status)
	}

	e.mu.RLock()
	pipeline := e.pipeline
	e.mu.RUnlock()

	parsed, err := pipeline.Process(ctx, inv)
	if err != nil {
		e.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeOCRError, inv).
			WithPayload("error", err.Error()))
		e.logger.Error("Parse pipeline failed",
			zap.String("invoice_id", id),
			zap.Error(err))
		return nil, err
	}

	if inv, err = e.inbox.UpdateInvoice(ctx, id, mergeParsed(inv, parsed)); err != nil {
		return nil, err
	}
	e.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeOCRProcessed, inv).
		WithPayload("engine", parsed.Engine).
		WithPayload("confidence", parsed.Confidence))

	suggestion := e.describe.Suggest(ctx, inv)
	if inv, err = e.inbox.UpdateInvoice(ctx, id, inbox.Update{Suggestion: suggestion}); err != nil {
		return nil, err
	}
	e.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeDescribeSuggested, inv).
		WithPayload("source", suggestion.SuggestionSource).
		WithPayload("confidence", suggestion.Confidence))

	return e.inbox.SetStatus(ctx, id, lifecycle.StateDescribed)
}

// ApproveInvoice applies the user's overrides, falls back to the stored
// suggestion for fields the user left blank, transitions to approved and
// records the contractor history used by future suggestions.
func (e *Engine) ApproveInvoice(ctx context.Context, id string, overrides inbox.Update) (*entity.Invoice, error) {
	inv, err := e.inbox.UpdateInvoice(ctx, id, overrides)
	if err != nil {
		return nil, err
	}

	if adopt := adoptSuggestion(inv); adopt != nil {
		if inv, err = e.inbox.UpdateInvoice(ctx, id, *adopt); err != nil {
			return nil, err
		}
	}

	inv, err = e.inbox.SetStatus(ctx, id, lifecycle.StateApproved)
	if err != nil {
		return nil, err
	}
	e.describe.SaveToHistory(inv)
	return inv, nil
}

// RejectInvoice records the reason and moves the record to rejected.
func (e *Engine) RejectInvoice(ctx context.Context, id, reason string) (*entity.Invoice, error) {
	if _, err := e.inbox.UpdateInvoice(ctx, id, inbox.Update{RejectionReason: &reason}); err != nil {
		return nil, err
	}
	return e.inbox.SetStatus(ctx, id, lifecycle.StateRejected)
}

// BookInvoice marks an approved record as booked in the external ledger.
func (e *Engine) BookInvoice(ctx context.Context, id string) (*entity.Invoice, error) {
	return e.inbox.SetStatus(ctx, id, lifecycle.StateBooked)
}

// ExportFormats lists the registered export format ids.
func (e *Engine) ExportFormats() []string {
	return e.exporter.Formats()
}

// ExportApproved renders all approved invoices in the requested format.
func (e *Engine) ExportApproved(ctx context.Context, formatID string) (*export.Result, error) {
	invoices, err := e.inbox.ListInvoices(store.Filter{Status: lifecycle.StateApproved.String()})
	if err != nil {
		return nil, err
	}
	return e.exporter.Export(formatID, invoices)
}

// AssignInvoiceToProject sets the project reference on a record.
func (e *Engine) AssignInvoiceToProject(ctx context.Context, id, projectID string) (*entity.Invoice, error) {
	return e.inbox.UpdateInvoice(ctx, id, inbox.Update{ProjectID: &projectID})
}

// AssignInvoiceToExpenseType sets the expense type reference on a record.
func (e *Engine) AssignInvoiceToExpenseType(ctx context.Context, id, expenseTypeID string) (*entity.Invoice, error) {
	return e.inbox.UpdateInvoice(ctx, id, inbox.Update{ExpenseTypeID: &expenseTypeID})
}

// AssignInvoiceLabels replaces the label set on a record.
func (e *Engine) AssignInvoiceLabels(ctx context.Context, id string, labels []string) (*entity.Invoice, error) {
	return e.inbox.UpdateInvoice(ctx, id, inbox.Update{LabelIDs: &labels})
}

// mergeParsed builds the patch applied after a pipeline run: the parsed
// document is always stored, header fields are copied over only where the
// record does not carry them yet.
func mergeParsed(inv *entity.Invoice, parsed *entity.ParsedDocument) inbox.Update {
	u := inbox.Update{ParsedData: parsed}
	if inv.InvoiceNumber == "" && parsed.InvoiceNumber != "" {
		u.InvoiceNumber = &parsed.InvoiceNumber
	}
	if inv.IssueDate == "" && parsed.IssueDate != "" {
		u.IssueDate = &parsed.IssueDate
	}
	if inv.DueDate == "" && parsed.DueDate != "" {
		u.DueDate = &parsed.DueDate
	}
	if inv.ContractorNip == "" && parsed.SellerNip != "" {
		u.ContractorNip = &parsed.SellerNip
	}
	if inv.ContractorName == "" && parsed.SellerName != "" {
		u.ContractorName = &parsed.SellerName
	}
	if inv.Currency == "" && parsed.Currency != "" {
		u.Currency = &parsed.Currency
	}
	if inv.GrossAmount == nil && parsed.GrossAmount != nil {
		u.GrossAmount = parsed.GrossAmount
	}
	if inv.NetAmount == nil && parsed.NetAmount != nil {
		u.NetAmount = parsed.NetAmount
	}
	if inv.VatAmount == nil && parsed.VatAmount != nil {
		u.VatAmount = parsed.VatAmount
	}
	return u
}

// adoptSuggestion fills category, MPK and description from the stored
// suggestion where the user left them empty. Returns nil when there is
// nothing to adopt.
func adoptSuggestion(inv *entity.Invoice) *inbox.Update {
	s := inv.Suggestion
	if s == nil || s.SuggestionSource == "" || s.SuggestionSource == "none" {
		return nil
	}
	var u inbox.Update
	adopted := false
	if inv.Category == "" && s.Category != "" {
		u.Category = &s.Category
		adopted = true
	}
	if inv.MPK == "" && s.MPK != "" {
		u.MPK = &s.MPK
		adopted = true
	}
	if inv.Description == "" && s.Description != "" {
		u.Description = &s.Description
		adopted = true
	}
	if !adopted {
		return nil
	}
	return &u
}
