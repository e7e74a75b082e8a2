// Package store provides the durable substrate of the unified inbox: a keyed
// invoice store with a secondary sourceKey index and a key-value settings
// area, behind one contract with in-memory, JSON-file and SQLite backends.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

var (
	// ErrNotFound is returned when a requested invoice or file is missing.
	ErrNotFound = errors.New("record not found")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status string
	Source entity.Source
	// Since is an inclusive lower bound on CreatedAt.
	Since time.Time
}

// Matches reports whether an invoice passes the filter.
func (f Filter) Matches(inv *entity.Invoice) bool {
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if f.Source != "" && inv.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && inv.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// FilePayload is the blob view of one invoice document. Split from the record
// because some backends keep blobs in a separate column.
type FilePayload struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	File     []byte `json:"file"`
}

// Bundle is the portable dump used for data migration between backends.
type Bundle struct {
	Invoices []*entity.Invoice          `json:"invoices"`
	Settings map[string]json.RawMessage `json:"settings"`
}

// Store is the uniform persistence contract consumed by the inbox and the
// orchestrator. Implementations serialize access internally; callers may use
// one Store from multiple goroutines.
type Store interface {
	// Save upserts an invoice, preserving byte identity of OriginalFile.
	Save(inv *entity.Invoice) error

	// Get returns the invoice or (nil, nil) when absent.
	Get(id string) (*entity.Invoice, error)

	// GetBySourceKey returns the invoice with the given dedup key or (nil, nil).
	GetBySourceKey(key string) (*entity.Invoice, error)

	// List returns invoices matching the filter in insertion order.
	List(f Filter) ([]*entity.Invoice, error)

	// Delete removes an invoice. Deleting an absent id returns ErrNotFound.
	Delete(id string) error

	// GetFile returns the document blob of an invoice.
	GetFile(id string) (*FilePayload, error)

	// GetSetting returns the raw JSON document stored under key, nil if unset.
	GetSetting(key string) (json.RawMessage, error)

	// SetSetting stores a raw JSON document under key.
	SetSetting(key string, value json.RawMessage) error

	// ReplaceAll replaces the whole invoice set (bulk import path).
	ReplaceAll(items []*entity.Invoice) error

	// ExportBundle dumps every entity and all settings.
	ExportBundle() (*Bundle, error)

	// ImportBundle replaces store contents with the bundle.
	ImportBundle(b *Bundle) error

	Close() error
}
