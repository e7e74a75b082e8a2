// Package sync discovers new invoice-candidate files in watched local folders
// and on remote storage providers (Dropbox, Google Drive, OneDrive, Nextcloud
// WebDAV), downloads each file exactly once per source key and hands the
// bytes to the inbox.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
)

// Sink is the intake capability drivers write into. *inbox.Inbox satisfies
// it; drivers never see the rest of the inbox surface.
type Sink interface {
	AddInvoice(ctx context.Context, source entity.Source, fileBytes []byte, meta inbox.Metadata) (*entity.Invoice, error)
	GetInvoiceBySourceKey(key string) (*entity.Invoice, error)
}

// Driver syncs one connection. State is mutated in place as cursors advance;
// the scheduler persists it through the bus.
type Driver interface {
	Sync(ctx context.Context, conn *entity.Connection, state *entity.SyncState) (int, error)
}

// candidateExtensions are the filename suffixes treated as invoice documents.
var candidateExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".xml"}

// IsCandidate reports whether a filename looks like an invoice document.
// Matching is case-insensitive.
func IsCandidate(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range candidateExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// mimeFor infers the MIME type from the filename extension.
func mimeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

func decodeJSON(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// alreadyIngested consults the dedup index; lookup errors count as "not
// ingested" so a transient store failure cannot suppress a download forever.
func alreadyIngested(sink Sink, sourceKey string) bool {
	existing, err := sink.GetInvoiceBySourceKey(sourceKey)
	return err == nil && existing != nil
}
