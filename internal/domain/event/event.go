package event

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// Event represents a domain event. Invoice carries a by-value snapshot of the
// record at emission time; subscribers must not assume mutability.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	InvoiceID     string                 `json:"invoice_id,omitempty"`
	ConnectionID  string                 `json:"connection_id,omitempty"`
	Invoice       *entity.Invoice        `json:"invoice,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent creates a new domain event with auto-generated ID and timestamp.
func NewEvent(eventType Type, invoiceID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:            generateID(),
		Type:          eventType,
		InvoiceID:     invoiceID,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: generateID(),
	}
}

// NewInvoiceEvent creates an event carrying a snapshot of the invoice.
func NewInvoiceEvent(eventType Type, inv *entity.Invoice) *Event {
	e := NewEvent(eventType, "", nil)
	if inv != nil {
		e.InvoiceID = inv.ID
		e.Invoice = inv.Clone()
	}
	return e
}

// NewConnectionEvent creates a connection-level event (state:changed,
// connection:updated, provider errors).
func NewConnectionEvent(eventType Type, connectionID string, payload map[string]interface{}) *Event {
	e := NewEvent(eventType, "", payload)
	e.ConnectionID = connectionID
	return e
}

// WithPayload returns a new Event with an added payload key-value pair
// (immutable operation).
func (e *Event) WithPayload(key string, value interface{}) *Event {
	newPayload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		newPayload[k] = v
	}
	newPayload[key] = value

	clone := *e
	clone.Payload = newPayload
	return &clone
}

// GetPayloadString retrieves a string value from the payload.
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload.
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// generateID creates a unique ID using timestamp and random bytes.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
