package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
)

func TestDispatch_OrderAndError(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var order []string
	d.SubscribeNamed(event.TypeInvoiceAdded, "first", func(ctx context.Context, evt *event.Event) error {
		order = append(order, "first")
		return nil
	})
	d.SubscribeNamed(event.TypeInvoiceAdded, "second", func(ctx context.Context, evt *event.Event) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	d.SubscribeNamed(event.TypeInvoiceAdded, "third", func(ctx context.Context, evt *event.Event) error {
		order = append(order, "third")
		return nil
	})

	err := d.Dispatch(ctx, event.NewEvent(event.TypeInvoiceAdded, "inv-1", nil))
	if err == nil {
		t.Fatal("Dispatch did not propagate handler error")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handler order = %v, want [first second]", order)
	}
}

func TestDispatch_OnlyMatchingType(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var added, rejected int
	d.Subscribe(event.TypeInvoiceAdded, func(ctx context.Context, evt *event.Event) error {
		added++
		return nil
	})
	d.Subscribe(event.TypeInvoiceRejected, func(ctx context.Context, evt *event.Event) error {
		rejected++
		return nil
	})

	if err := d.Dispatch(ctx, event.NewEvent(event.TypeInvoiceAdded, "inv-1", nil)); err != nil {
		t.Fatal(err)
	}
	if added != 1 || rejected != 0 {
		t.Errorf("added=%d rejected=%d, want 1 0", added, rejected)
	}
}

func TestDispatchAsync_WaitsOnClose(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	d.Subscribe(event.TypeOCRProcessed, func(ctx context.Context, evt *event.Event) error {
		defer wg.Done()
		count.Add(1)
		return nil
	})

	d.DispatchAsync(ctx, event.NewEvent(event.TypeOCRProcessed, "inv-9", nil))
	wg.Wait()

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if count.Load() != 1 {
		t.Errorf("async handler ran %d times, want 1", count.Load())
	}

	// After close, dispatch is a no-op error
	if err := d.Dispatch(ctx, event.NewEvent(event.TypeOCRProcessed, "inv-9", nil)); err == nil {
		t.Error("Dispatch after Close did not fail")
	}
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var fired int
	d.SubscribeNamed(event.TypeKSeFPolled, "poller", func(ctx context.Context, evt *event.Event) error {
		fired++
		return nil
	})
	d.Unsubscribe(event.TypeKSeFPolled, "poller")

	if err := d.Dispatch(ctx, event.NewEvent(event.TypeKSeFPolled, "", nil)); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Errorf("unsubscribed handler fired %d times", fired)
	}
	if got := d.ListHandlers(event.TypeKSeFPolled); len(got) != 0 {
		t.Errorf("ListHandlers returned %d handlers after unsubscribe", len(got))
	}
}

func TestInvoiceEventCarriesSnapshot(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	inv := &entity.Invoice{ID: "inv-1", Status: "pending", LabelIDs: []string{"a"}}
	evt := event.NewInvoiceEvent(event.TypeInvoiceAdded, inv)

	// Mutating the original after emission must not be visible to handlers.
	inv.Status = "approved"
	inv.LabelIDs[0] = "b"

	var seen *entity.Invoice
	d.Subscribe(event.TypeInvoiceAdded, func(ctx context.Context, evt *event.Event) error {
		seen = evt.Invoice
		return nil
	})
	if err := d.Dispatch(ctx, evt); err != nil {
		t.Fatal(err)
	}

	if seen == nil || seen.Status != "pending" || seen.LabelIDs[0] != "a" {
		t.Errorf("handler observed mutated invoice: %+v", seen)
	}
}
