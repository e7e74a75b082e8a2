// Package ksef periodically queries the KSeF metadata endpoint and downloads
// referenced structured invoices into the inbox.
package ksef

import (
	"context"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
)

// InvoiceMeta is one metadata record returned by the poll query.
type InvoiceMeta struct {
	KsefReferenceNumber string `json:"ksefReferenceNumber"`
	KsefID              string `json:"ksefId"`
	InvoiceNumber       string `json:"invoiceNumber"`
	IssueDate           string `json:"issueDate"`
	SellerNip           string `json:"sellerNip"`
}

// Reference resolves the identifier to use for download and dedup.
func (m InvoiceMeta) Reference() string {
	if m.KsefReferenceNumber != "" {
		return m.KsefReferenceNumber
	}
	return m.KsefID
}

// PollQuery parameterizes one metadata poll.
type PollQuery struct {
	AccessToken string
	Since       string
}

// Client is the KSeF protocol contract. The production implementation talks
// to the national API; tests use a stub.
type Client interface {
	PollNewInvoices(ctx context.Context, q PollQuery) ([]InvoiceMeta, error)
	DownloadInvoice(ctx context.Context, accessToken, reference, format string) ([]byte, error)
}

// Sink is the intake capability the ingester writes into.
type Sink interface {
	AddInvoice(ctx context.Context, source entity.Source, fileBytes []byte, meta inbox.Metadata) (*entity.Invoice, error)
	GetInvoiceBySourceKey(key string) (*entity.Invoice, error)
}

// SourceKey builds the dedup key for a KSeF invoice reference.
func SourceKey(reference string) string {
	return "ksef:" + reference
}
