package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// SQLiteConfig tunes the embedded database connection.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore persists invoices in an embedded SQLite database: one row per
// invoice with the document blob in its own column, plus a key-value settings
// table holding canonical JSON documents.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invoices (
	id          TEXT PRIMARY KEY,
	source_key  TEXT UNIQUE,
	status      TEXT NOT NULL,
	source      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	seq         INTEGER,
	file        BLOB,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
CREATE INDEX IF NOT EXISTS idx_invoices_source ON invoices(source);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS seq_counter (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	val INTEGER NOT NULL
);
INSERT OR IGNORE INTO seq_counter (id, val) VALUES (1, 0);
`

// OpenSQLiteStore opens the database file, applies the pool limits and
// bootstraps the schema.
func OpenSQLiteStore(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	// WAL mode: the store is written from multiple pollers concurrently
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	logger.Info("SQLite store opened", zap.String("path", cfg.Path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *SQLiteStore) withTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// encode strips the blob from the JSON document; the file column is canonical.
func encodeInvoice(inv *entity.Invoice) (string, []byte, error) {
	clone := inv.Clone()
	file := clone.OriginalFile
	clone.OriginalFile = nil
	data, err := json.Marshal(clone)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode invoice %s: %w", inv.ID, err)
	}
	return string(data), file, nil
}

func decodeInvoice(data string, file []byte) (*entity.Invoice, error) {
	var inv entity.Invoice
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice row: %w", err)
	}
	if len(file) > 0 {
		inv.OriginalFile = append([]byte(nil), file...)
	}
	return &inv, nil
}

// Save upserts an invoice row.
func (s *SQLiteStore) Save(inv *entity.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("save: invoice id is required")
	}

	data, file, err := encodeInvoice(inv)
	if err != nil {
		return err
	}

	var srcKey interface{}
	if inv.SourceKey != "" {
		srcKey = inv.SourceKey
	}

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE seq_counter SET val = val + 1 WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to advance sequence: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO invoices (id, source_key, status, source, created_at, seq, file, data)
			VALUES (?, ?, ?, ?, ?, (SELECT val FROM seq_counter WHERE id = 1), ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_key = excluded.source_key,
				status     = excluded.status,
				source     = excluded.source,
				created_at = excluded.created_at,
				file       = excluded.file,
				data       = excluded.data`,
			inv.ID, srcKey, inv.Status, string(inv.Source), inv.CreatedAt, file, data)
		if err != nil {
			return fmt.Errorf("failed to save invoice %s: %w", inv.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) queryOne(query string, arg interface{}) (*entity.Invoice, error) {
	var data string
	var file []byte
	err := s.db.QueryRow(query, arg).Scan(&data, &file)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	return decodeInvoice(data, file)
}

// Get returns the invoice or (nil, nil) when absent.
func (s *SQLiteStore) Get(id string) (*entity.Invoice, error) {
	return s.queryOne(`SELECT data, file FROM invoices WHERE id = ?`, id)
}

// GetBySourceKey returns the invoice with the given dedup key or (nil, nil).
func (s *SQLiteStore) GetBySourceKey(key string) (*entity.Invoice, error) {
	if key == "" {
		return nil, nil
	}
	return s.queryOne(`SELECT data, file FROM invoices WHERE source_key = ?`, key)
}

// List returns invoices matching the filter in insertion order.
func (s *SQLiteStore) List(f Filter) ([]*entity.Invoice, error) {
	query := `SELECT data, file FROM invoices WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(f.Source))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []*entity.Invoice
	for rows.Next() {
		var data string
		var file []byte
		if err := rows.Scan(&data, &file); err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		inv, err := decodeInvoice(data, file)
		if err != nil {
			s.logger.Warn("Skipping undecodable invoice row", zap.Error(err))
			continue
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Delete removes an invoice row.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetFile returns the document blob of an invoice.
func (s *SQLiteStore) GetFile(id string) (*FilePayload, error) {
	inv, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("file of %s: %w", id, ErrNotFound)
	}
	return &FilePayload{
		FileName: inv.FileName,
		FileType: inv.FileType,
		File:     inv.OriginalFile,
	}, nil
}

// GetSetting returns the raw JSON document stored under key, nil if unset.
func (s *SQLiteStore) GetSetting(key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// SetSetting stores a raw JSON document under key.
func (s *SQLiteStore) SetSetting(key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// ReplaceAll replaces the whole invoice set.
func (s *SQLiteStore) ReplaceAll(items []*entity.Invoice) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM invoices`); err != nil {
			return fmt.Errorf("failed to clear invoices: %w", err)
		}
		for seq, inv := range items {
			if inv == nil || inv.ID == "" {
				continue
			}
			data, file, err := encodeInvoice(inv)
			if err != nil {
				return err
			}
			var srcKey interface{}
			if inv.SourceKey != "" {
				srcKey = inv.SourceKey
			}
			_, err = tx.Exec(`
				INSERT INTO invoices (id, source_key, status, source, created_at, seq, file, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				inv.ID, srcKey, inv.Status, string(inv.Source), inv.CreatedAt, seq, file, data)
			if err != nil {
				return fmt.Errorf("failed to insert invoice %s: %w", inv.ID, err)
			}
		}
		return nil
	})
}

// ExportBundle dumps every entity and all settings.
func (s *SQLiteStore) ExportBundle() (*Bundle, error) {
	invoices, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		settings[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Bundle{Invoices: invoices, Settings: settings}, nil
}

// ImportBundle replaces store contents with the bundle.
func (s *SQLiteStore) ImportBundle(b *Bundle) error {
	if b == nil {
		return fmt.Errorf("import: bundle is nil")
	}
	if err := s.ReplaceAll(b.Invoices); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM settings`); err != nil {
			return fmt.Errorf("failed to clear settings: %w", err)
		}
		for k, v := range b.Settings {
			if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)`, k, string(v)); err != nil {
				return fmt.Errorf("failed to insert setting %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
