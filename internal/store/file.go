package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"go.uber.org/zap"
)

// FileStore persists the invoice set as a top-level JSON array, read once on
// construction and rewritten on every mutation. Settings live in a sibling
// document. Writes are atomic (temp file + rename) so a crash mid-write
// leaves the previous state intact.
type FileStore struct {
	mu           sync.Mutex
	mem          *MemoryStore
	path         string
	settingsPath string
	logger       *zap.Logger
}

// NewFileStore loads (or creates) a JSON-file backed store at path. A corrupt
// or unreadable file yields an empty store; the error is logged, not returned.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		mem:          NewMemoryStore(),
		path:         path,
		settingsPath: path + ".settings.json",
		logger:       logger,
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	s.load()
	return s, nil
}

// load reads both documents best-effort. Corruption is recoverable: the store
// starts empty and the next write replaces the bad file.
func (s *FileStore) load() {
	if data, err := os.ReadFile(s.path); err == nil {
		var items []*entity.Invoice
		if err := json.Unmarshal(data, &items); err != nil {
			s.logger.Warn("Invoice file corrupt, starting empty",
				zap.String("path", s.path), zap.Error(err))
		} else {
			_ = s.mem.ReplaceAll(items)
		}
	}

	if data, err := os.ReadFile(s.settingsPath); err == nil {
		var settings map[string]json.RawMessage
		if err := json.Unmarshal(data, &settings); err != nil {
			s.logger.Warn("Settings file corrupt, starting empty",
				zap.String("path", s.settingsPath), zap.Error(err))
		} else {
			for k, v := range settings {
				_ = s.mem.SetSetting(k, v)
			}
		}
	}
}

// flushInvoices writes the invoice array atomically.
func (s *FileStore) flushInvoices() error {
	s.mem.mu.RLock()
	items := s.mem.snapshotLocked()
	data, err := json.MarshalIndent(items, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode invoices: %w", err)
	}
	return atomicWrite(s.path, data)
}

// flushSettings writes the settings document atomically.
func (s *FileStore) flushSettings() error {
	s.mem.mu.RLock()
	data, err := json.MarshalIndent(s.mem.settings, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return atomicWrite(s.settingsPath, data)
}

// atomicWrite replaces path contents via write-temp-then-rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Save upserts an invoice and rewrites the backing file.
func (s *FileStore) Save(inv *entity.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Save(inv); err != nil {
		return err
	}
	return s.flushInvoices()
}

// Get returns the invoice or (nil, nil) when absent.
func (s *FileStore) Get(id string) (*entity.Invoice, error) {
	return s.mem.Get(id)
}

// GetBySourceKey returns the invoice with the given dedup key or (nil, nil).
func (s *FileStore) GetBySourceKey(key string) (*entity.Invoice, error) {
	return s.mem.GetBySourceKey(key)
}

// List returns invoices matching the filter in insertion order.
func (s *FileStore) List(f Filter) ([]*entity.Invoice, error) {
	return s.mem.List(f)
}

// Delete removes an invoice and rewrites the backing file.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Delete(id); err != nil {
		return err
	}
	return s.flushInvoices()
}

// GetFile returns the document blob of an invoice.
func (s *FileStore) GetFile(id string) (*FilePayload, error) {
	return s.mem.GetFile(id)
}

// GetSetting returns the raw JSON document stored under key, nil if unset.
func (s *FileStore) GetSetting(key string) (json.RawMessage, error) {
	return s.mem.GetSetting(key)
}

// SetSetting stores a raw JSON document under key and rewrites settings.
func (s *FileStore) SetSetting(key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.SetSetting(key, value); err != nil {
		return err
	}
	return s.flushSettings()
}

// ReplaceAll replaces the whole invoice set and rewrites the backing file.
func (s *FileStore) ReplaceAll(items []*entity.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.ReplaceAll(items); err != nil {
		return err
	}
	return s.flushInvoices()
}

// ExportBundle dumps every entity and all settings.
func (s *FileStore) ExportBundle() (*Bundle, error) {
	return s.mem.ExportBundle()
}

// ImportBundle replaces store contents with the bundle.
func (s *FileStore) ImportBundle(b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.ImportBundle(b); err != nil {
		return err
	}
	if err := s.flushInvoices(); err != nil {
		return err
	}
	return s.flushSettings()
}

// Close is a no-op; every mutation already hit the disk.
func (s *FileStore) Close() error {
	return nil
}
