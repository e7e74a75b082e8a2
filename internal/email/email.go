// Package email watches mailboxes for invoice attachments: an IMAP contract
// consumed from an external protocol client, plus the Gmail and Outlook REST
// APIs for OAuth mailboxes.
package email

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
)

// Attachment describes one candidate attachment discovered in a mailbox.
type Attachment struct {
	MessageID    string
	AttachmentID string
	FileName     string
	FileType     string
	FileSize     int64
	EmailSubject string
	EmailFrom    string
	EmailDate    string
}

// Mailbox lists attachments of interest and streams their bytes. The IMAP
// protocol client is an external collaborator implementing this contract;
// the Gmail and Outlook drivers implement it over REST.
type Mailbox interface {
	ListAttachments(ctx context.Context) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Sink is the intake capability the watcher writes into.
type Sink interface {
	AddInvoice(ctx context.Context, source entity.Source, fileBytes []byte, meta inbox.Metadata) (*entity.Invoice, error)
	GetInvoiceBySourceKey(key string) (*entity.Invoice, error)
}

// MailboxFor builds the provider client for a mailbox connection.
func MailboxFor(conn *entity.Connection, logger *zap.Logger) (Mailbox, error) {
	switch conn.Provider {
	case entity.ProviderGmail:
		return NewGmailMailbox(conn, logger), nil
	case entity.ProviderOutlook:
		return NewOutlookMailbox(conn, logger), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox provider %q", conn.Provider)
	}
}

// SourceKey builds the dedup key for a mail attachment.
func SourceKey(messageID, fileName string) string {
	return "email:" + messageID + ":" + fileName
}
