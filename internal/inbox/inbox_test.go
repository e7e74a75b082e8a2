package inbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/domain/workflow"
	"github.com/exef-pl/faktury/internal/store"
)

func newInbox(t *testing.T) (*Inbox, dispatcher.Dispatcher) {
	t.Helper()
	bus := dispatcher.NewDispatcher()
	t.Cleanup(func() { bus.Close() })
	return New(store.NewMemoryStore(), bus, zap.NewNop()), bus
}

func strPtr(s string) *string       { return &s }
func f64Ptr(f float64) *float64     { return &f }
func labels(l ...string) *[]string  { return &l }

func TestAddInvoice_DedupBySourceKey(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	meta := Metadata{FileName: "a.pdf", FileType: "application/pdf", SourceKey: "dropbox:c1:id:abc:2026-01-15T10:00:00Z"}
	first, err := box.AddInvoice(ctx, entity.SourceStorage, []byte("pdf"), meta)
	require.NoError(t, err)

	// Same sourceKey again must be a no-op returning the original record.
	for i := 0; i < 3; i++ {
		again, err := box.AddInvoice(ctx, entity.SourceStorage, []byte("pdf"), meta)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	all, err := box.ListInvoices(store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddInvoice_ConcurrentSameSourceKey(t *testing.T) {
	box, _ := newInbox(t)
	meta := Metadata{FileName: "a.pdf", FileType: "application/pdf", SourceKey: "gdrive:c1:f1:2026-01-15T10:00:00Z"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := box.AddInvoice(context.Background(), entity.SourceStorage, []byte("pdf"), meta)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := box.ListInvoices(store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "racing adds of one sourceKey must collapse to one record")
}

func TestAddInvoice_RejectsUnknownSource(t *testing.T) {
	box, _ := newInbox(t)
	_, err := box.AddInvoice(context.Background(), entity.Source("carrier-pigeon"), nil, Metadata{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddInvoice_Defaults(t *testing.T) {
	box, _ := newInbox(t)
	inv, err := box.AddInvoice(context.Background(), entity.SourceKSeF, []byte("<xml/>"), Metadata{
		FileName:  "ksef_123.xml",
		FileType:  "application/xml",
		SourceKey: "ksef:123",
	})
	require.NoError(t, err)

	assert.Equal(t, "pending", inv.Status)
	assert.Equal(t, "PLN", inv.Currency)
	assert.Equal(t, int64(6), inv.FileSize)
	assert.NotEmpty(t, inv.ID)
	assert.False(t, inv.CreatedAt.IsZero())
}

func TestUpdateInvoice_PatchSemantics(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	inv, err := box.AddInvoice(ctx, entity.SourceEmail, []byte("x"), Metadata{SourceKey: "email:m1:a.pdf"})
	require.NoError(t, err)
	before := inv.UpdatedAt

	updated, err := box.UpdateInvoice(ctx, inv.ID, Update{
		ContractorName: strPtr("ACME Sp. z o.o."),
		GrossAmount:    f64Ptr(1230.004),
		LabelIDs:       labels("a", "", "b", "a"),
	})
	require.NoError(t, err)

	assert.Equal(t, "ACME Sp. z o.o.", updated.ContractorName)
	assert.Equal(t, 1230.00, *updated.GrossAmount, "amount rounded at the store boundary")
	assert.Equal(t, []string{"a", "b"}, updated.LabelIDs, "labels deduplicated, ordered, non-empty")
	assert.False(t, updated.UpdatedAt.Before(before))

	// Untouched fields survive.
	assert.Equal(t, "email:m1:a.pdf", updated.SourceKey)
}

func TestUpdateInvoice_NotFound(t *testing.T) {
	box, _ := newInbox(t)
	_, err := box.UpdateInvoice(context.Background(), "ghost", Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus_ValidPath(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	inv, err := box.AddInvoice(ctx, entity.SourceStorage, []byte("x"), Metadata{SourceKey: "k"})
	require.NoError(t, err)

	inv, err = box.SetStatus(ctx, inv.ID, workflow.StateOCR)
	require.NoError(t, err)
	assert.Equal(t, "ocr", inv.Status)

	inv, err = box.SetStatus(ctx, inv.ID, workflow.StateDescribed)
	require.NoError(t, err)
	assert.NotNil(t, inv.ProcessedAt)

	inv, err = box.SetStatus(ctx, inv.ID, workflow.StateApproved)
	require.NoError(t, err)
	assert.NotNil(t, inv.ApprovedAt)

	inv, err = box.SetStatus(ctx, inv.ID, workflow.StateBooked)
	require.NoError(t, err)
	assert.NotNil(t, inv.BookedAt)
}

func TestSetStatus_RejectsInvalidTransitions(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	inv, err := box.AddInvoice(ctx, entity.SourceStorage, []byte("x"), Metadata{SourceKey: "k"})
	require.NoError(t, err)

	// pending -> booked skips the lifecycle
	_, err = box.SetStatus(ctx, inv.ID, workflow.StateBooked)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	// approved -> pending is not a state
	_, err = box.SetStatus(ctx, inv.ID, workflow.StatePending)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = box.SetStatus(ctx, inv.ID, workflow.State("weird"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSetStatus_EmitsLifecycleEvent(t *testing.T) {
	box, bus := newInbox(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []*event.Event
	done := make(chan struct{}, 4)
	bus.Subscribe(event.TypeInvoiceOCR, func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	inv, err := box.AddInvoice(ctx, entity.SourceStorage, []byte("x"), Metadata{SourceKey: "k"})
	require.NoError(t, err)
	_, err = box.SetStatus(ctx, inv.ID, workflow.StateOCR)
	require.NoError(t, err)

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, inv.ID, got[0].InvoiceID)
	assert.Equal(t, "ocr", got[0].Invoice.Status)
}

func TestGetStats(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	a, _ := box.AddInvoice(ctx, entity.SourceStorage, []byte("x"), Metadata{SourceKey: "k1"})
	box.AddInvoice(ctx, entity.SourceEmail, []byte("y"), Metadata{SourceKey: "k2"})
	_, err := box.SetStatus(ctx, a.ID, workflow.StateOCR)
	require.NoError(t, err)

	stats, err := box.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByStatus["ocr"])
	assert.Equal(t, 1, stats.BySource["storage"])
	assert.Equal(t, 1, stats.BySource["email"])
}

func TestPurgeEmpty(t *testing.T) {
	box, _ := newInbox(t)
	ctx := context.Background()

	// Fileless pending record: purged.
	empty, _ := box.AddInvoice(ctx, entity.SourceScanner, nil, Metadata{SourceKey: "scan:1"})
	// Record with bytes: kept.
	box.AddInvoice(ctx, entity.SourceScanner, []byte("x"), Metadata{SourceKey: "scan:2"})

	n, err := box.PurgeEmpty()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = box.GetInvoice(empty.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
