package email

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
	"github.com/exef-pl/faktury/internal/store"
)

type fakeMailbox struct {
	attachments []Attachment
	downloads   int
	failFor     string
}

func (f *fakeMailbox) ListAttachments(ctx context.Context) ([]Attachment, error) {
	return f.attachments, nil
}

func (f *fakeMailbox) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if attachmentID == f.failFor {
		return nil, fmt.Errorf("transient download failure")
	}
	f.downloads++
	return []byte("%PDF-1.4 " + attachmentID), nil
}

func newWatcherUnderTest(t *testing.T) (*Watcher, *inbox.Inbox) {
	t.Helper()
	bus := dispatcher.NewDispatcher()
	t.Cleanup(func() { bus.Close() })
	sink := inbox.New(store.NewMemoryStore(), bus, zap.NewNop())
	return NewWatcher(WatcherConfig{}, sink, zap.NewNop()), sink
}

func TestPollNow_IngestsCandidateAttachments(t *testing.T) {
	w, sink := newWatcherUnderTest(t)
	box := &fakeMailbox{attachments: []Attachment{
		{
			MessageID: "msg-1", AttachmentID: "a1",
			FileName: "faktura.pdf", FileType: "application/pdf", FileSize: 8,
			EmailSubject: "Faktura styczeń", EmailFrom: "biuro@acme.pl",
			EmailDate: "2026-01-15T10:00:00Z",
		},
		{
			MessageID: "msg-1", AttachmentID: "a2",
			FileName: "regulamin.docx", FileType: "application/msword",
		},
	}}
	w.Register("gmail-1", box)

	added := w.PollNow(context.Background())
	assert.Equal(t, 1, added, "non-candidate extensions are skipped")
	assert.Equal(t, 1, box.downloads)

	invoices, err := sink.ListInvoices(store.Filter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.Equal(t, entity.SourceEmail, inv.Source)
	assert.Equal(t, "email:msg-1:faktura.pdf", inv.SourceKey)
	assert.Equal(t, "Faktura styczeń", inv.EmailSubject)
	assert.Equal(t, "biuro@acme.pl", inv.EmailFrom)
}

func TestPollNow_DedupAcrossPolls(t *testing.T) {
	w, _ := newWatcherUnderTest(t)
	box := &fakeMailbox{attachments: []Attachment{
		{MessageID: "msg-1", AttachmentID: "a1", FileName: "faktura.pdf", FileType: "application/pdf"},
	}}
	w.Register("gmail-1", box)

	assert.Equal(t, 1, w.PollNow(context.Background()))
	assert.Equal(t, 0, w.PollNow(context.Background()))
	assert.Equal(t, 1, box.downloads, "already ingested attachments are never re-downloaded")
}

func TestPollNow_DownloadFailureDoesNotAbortPass(t *testing.T) {
	w, sink := newWatcherUnderTest(t)
	box := &fakeMailbox{
		failFor: "bad",
		attachments: []Attachment{
			{MessageID: "m1", AttachmentID: "bad", FileName: "broken.pdf", FileType: "application/pdf"},
			{MessageID: "m2", AttachmentID: "ok", FileName: "dobra.pdf", FileType: "application/pdf"},
		},
	}
	w.Register("imap-1", box)

	assert.Equal(t, 1, w.PollNow(context.Background()))
	invoices, err := sink.ListInvoices(store.Filter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "dobra.pdf", invoices[0].FileName)
}

func TestWatcher_StartStop(t *testing.T) {
	w, _ := newWatcherUnderTest(t)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
