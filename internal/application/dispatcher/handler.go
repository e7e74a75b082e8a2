package dispatcher

import (
	"context"

	"github.com/exef-pl/faktury/internal/domain/event"
)

// Handler processes a domain event. Handlers receive event snapshots and must
// not retain or mutate the carried invoice.
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo pairs a handler with its registration metadata.
type HandlerInfo struct {
	Name      string
	EventType event.Type
	Handler   Handler
}
