package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// MemoryStore keeps everything in process memory. It is the reference
// implementation of the Store contract and the substrate of the file backend.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*entity.Invoice
	bySrcKey  map[string]string
	order     []string
	settings  map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*entity.Invoice),
		bySrcKey: make(map[string]string),
		settings: make(map[string]json.RawMessage),
	}
}

// Save upserts an invoice.
func (s *MemoryStore) Save(inv *entity.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("save: invoice id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(inv)
}

func (s *MemoryStore) saveLocked(inv *entity.Invoice) error {
	prev, exists := s.byID[inv.ID]
	if exists && prev.SourceKey != "" && prev.SourceKey != inv.SourceKey {
		delete(s.bySrcKey, prev.SourceKey)
	}

	clone := inv.Clone()
	s.byID[inv.ID] = clone
	if !exists {
		s.order = append(s.order, inv.ID)
	}
	if clone.SourceKey != "" {
		s.bySrcKey[clone.SourceKey] = clone.ID
	}
	return nil
}

// Get returns the invoice or (nil, nil) when absent.
func (s *MemoryStore) Get(id string) (*entity.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return inv.Clone(), nil
}

// GetBySourceKey returns the invoice with the given dedup key or (nil, nil).
func (s *MemoryStore) GetBySourceKey(key string) (*entity.Invoice, error) {
	if key == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySrcKey[key]
	if !ok {
		return nil, nil
	}
	inv, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return inv.Clone(), nil
}

// List returns invoices matching the filter in insertion order.
func (s *MemoryStore) List(f Filter) ([]*entity.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Invoice, 0, len(s.order))
	for _, id := range s.order {
		inv := s.byID[id]
		if inv != nil && f.Matches(inv) {
			out = append(out, inv.Clone())
		}
	}
	return out, nil
}

// Delete removes an invoice.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.byID, id)
	if inv.SourceKey != "" {
		delete(s.bySrcKey, inv.SourceKey)
	}
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetFile returns the document blob of an invoice.
func (s *MemoryStore) GetFile(id string) (*FilePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("file of %s: %w", id, ErrNotFound)
	}
	return &FilePayload{
		FileName: inv.FileName,
		FileType: inv.FileType,
		File:     append([]byte(nil), inv.OriginalFile...),
	}, nil
}

// GetSetting returns the raw JSON document stored under key, nil if unset.
func (s *MemoryStore) GetSetting(key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

// SetSetting stores a raw JSON document under key.
func (s *MemoryStore) SetSetting(key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = append(json.RawMessage(nil), value...)
	return nil
}

// ReplaceAll replaces the whole invoice set.
func (s *MemoryStore) ReplaceAll(items []*entity.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceAllLocked(items)
}

func (s *MemoryStore) replaceAllLocked(items []*entity.Invoice) error {
	s.byID = make(map[string]*entity.Invoice, len(items))
	s.bySrcKey = make(map[string]string, len(items))
	s.order = s.order[:0]
	for _, inv := range items {
		if inv == nil || inv.ID == "" {
			continue
		}
		if err := s.saveLocked(inv); err != nil {
			return err
		}
	}
	return nil
}

// ExportBundle dumps every entity and all settings.
func (s *MemoryStore) ExportBundle() (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &Bundle{
		Invoices: make([]*entity.Invoice, 0, len(s.order)),
		Settings: make(map[string]json.RawMessage, len(s.settings)),
	}
	for _, id := range s.order {
		if inv := s.byID[id]; inv != nil {
			b.Invoices = append(b.Invoices, inv.Clone())
		}
	}
	for k, v := range s.settings {
		b.Settings[k] = append(json.RawMessage(nil), v...)
	}
	return b, nil
}

// ImportBundle replaces store contents with the bundle.
func (s *MemoryStore) ImportBundle(b *Bundle) error {
	if b == nil {
		return fmt.Errorf("import: bundle is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replaceAllLocked(b.Invoices); err != nil {
		return err
	}
	s.settings = make(map[string]json.RawMessage, len(b.Settings))
	for k, v := range b.Settings {
		s.settings[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

// snapshotLocked returns the current invoice slice without copying records.
// Used by the file backend while already holding the lock.
func (s *MemoryStore) snapshotLocked() []*entity.Invoice {
	out := make([]*entity.Invoice, 0, len(s.order))
	for _, id := range s.order {
		if inv := s.byID[id]; inv != nil {
			out = append(out, inv)
		}
	}
	return out
}
