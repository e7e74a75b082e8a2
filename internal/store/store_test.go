package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newInvoice(id, sourceKey, status string) *entity.Invoice {
	now := time.Now().UTC().Truncate(time.Second)
	return &entity.Invoice{
		ID:        id,
		Source:    entity.SourceStorage,
		Status:    status,
		SourceKey: sourceKey,
		FileName:  id + ".pdf",
		FileType:  "application/pdf",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends under test share one behavioral suite
func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "invoices.json"), zap.NewNop())
		require.NoError(t, err)
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, openSQLite(t))
	})
}

func TestStore_SaveGetDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		inv := newInvoice("inv-1", "local:/tmp/a.pdf:123", "pending")
		inv.OriginalFile = []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}
		require.NoError(t, s.Save(inv))

		got, err := s.Get("inv-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, inv.SourceKey, got.SourceKey)
		assert.Equal(t, inv.OriginalFile, got.OriginalFile, "file bytes must survive byte-identical")

		byKey, err := s.GetBySourceKey("local:/tmp/a.pdf:123")
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, "inv-1", byKey.ID)

		missing, err := s.Get("nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, s.Delete("inv-1"))
		assert.ErrorIs(t, s.Delete("inv-1"), ErrNotFound)

		gone, err := s.GetBySourceKey("local:/tmp/a.pdf:123")
		require.NoError(t, err)
		assert.Nil(t, gone, "sourceKey index must drop with the record")
	})
}

func TestStore_ListFilterAndOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		old := newInvoice("inv-old", "k1", "pending")
		old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		mid := newInvoice("inv-mid", "k2", "approved")
		young := newInvoice("inv-new", "k3", "pending")
		young.Source = entity.SourceEmail

		for _, inv := range []*entity.Invoice{old, mid, young} {
			require.NoError(t, s.Save(inv))
		}

		all, err := s.List(Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"inv-old", "inv-mid", "inv-new"},
			[]string{all[0].ID, all[1].ID, all[2].ID}, "insertion order")

		pending, err := s.List(Filter{Status: "pending"})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		email, err := s.List(Filter{Source: entity.SourceEmail})
		require.NoError(t, err)
		require.Len(t, email, 1)
		assert.Equal(t, "inv-new", email[0].ID)

		recent, err := s.List(Filter{Since: time.Now().UTC().Add(-time.Hour)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)
	})
}

func TestStore_GetFileSplit(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		inv := newInvoice("inv-f", "kf", "pending")
		inv.OriginalFile = []byte("fake pdf body")
		require.NoError(t, s.Save(inv))

		payload, err := s.GetFile("inv-f")
		require.NoError(t, err)
		assert.Equal(t, "inv-f.pdf", payload.FileName)
		assert.Equal(t, "application/pdf", payload.FileType)
		assert.Equal(t, []byte("fake pdf body"), payload.File)

		_, err = s.GetFile("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Settings(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		unset, err := s.GetSetting("syncState")
		require.NoError(t, err)
		assert.Nil(t, unset)

		doc := json.RawMessage(`{"conn-1/":{"cursor":"abc"}}`)
		require.NoError(t, s.SetSetting("syncState", doc))

		got, err := s.GetSetting("syncState")
		require.NoError(t, err)
		assert.JSONEq(t, string(doc), string(got))
	})
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invoices.json")

	s1, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s1.Save(newInvoice("inv-"+id, "key-"+id, "pending")))
	}
	require.NoError(t, s1.SetSetting("rules", json.RawMessage(`[]`)))

	// Reopen and compare: save -> load -> list equals the saved set.
	s2, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	items, err := s2.List(Filter{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "inv-a", items[0].ID)
	assert.Equal(t, "inv-c", items[2].ID)

	rules, err := s2.GetSetting("rules")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(rules))
}

func TestFileStore_CorruptFileRecoversEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invoices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)

	items, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	// The next save replaces the corrupt file.
	require.NoError(t, s.Save(newInvoice("inv-1", "k", "pending")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed []*entity.Invoice
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed, 1)
}

func TestSQLiteStore_ExportImportRoundTrip(t *testing.T) {
	src := openSQLite(t)
	for _, id := range []string{"a", "b"} {
		inv := newInvoice("inv-"+id, "key-"+id, "approved")
		inv.OriginalFile = []byte("blob-" + id)
		require.NoError(t, src.Save(inv))
	}
	require.NoError(t, src.SetSetting("config", json.RawMessage(`{"pollInterval":60}`)))

	bundle, err := src.ExportBundle()
	require.NoError(t, err)

	dst := openSQLite(t)
	require.NoError(t, dst.ImportBundle(bundle))

	srcList, err := src.List(Filter{})
	require.NoError(t, err)
	dstList, err := dst.List(Filter{})
	require.NoError(t, err)
	require.Equal(t, len(srcList), len(dstList))
	for i := range srcList {
		assert.Equal(t, srcList[i].ID, dstList[i].ID)
		assert.Equal(t, srcList[i].OriginalFile, dstList[i].OriginalFile)
	}

	cfg, err := dst.GetSetting("config")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pollInterval":60}`, string(cfg))
}

func TestStore_SaveIsUpsert(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		inv := newInvoice("inv-1", "k1", "pending")
		require.NoError(t, s.Save(inv))

		inv.Status = "ocr"
		require.NoError(t, s.Save(inv))

		got, err := s.Get("inv-1")
		require.NoError(t, err)
		assert.Equal(t, "ocr", got.Status)

		all, err := s.List(Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 1, "upsert must not duplicate")
	})
}
