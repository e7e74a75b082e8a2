package entity

import "time"

// Source identifies where an invoice document came from.
type Source string

const (
	SourceEmail   Source = "email"
	SourceScanner Source = "scanner"
	SourceStorage Source = "storage"
	SourceKSeF    Source = "ksef"
)

// IsValid returns true if the source is one of the defined constants.
func (s Source) IsValid() bool {
	switch s {
	case SourceEmail, SourceScanner, SourceStorage, SourceKSeF:
		return true
	default:
		return false
	}
}

// String returns the string representation of the source.
func (s Source) String() string {
	return string(s)
}

// Invoice is the central record of the unified inbox. One Invoice is created
// per ingested document version; the SourceKey makes re-ingestion a no-op.
type Invoice struct {
	ID     string `json:"id"`
	Source Source `json:"source"`
	Status string `json:"status"`

	// Document descriptors
	OriginalFile []byte `json:"originalFile,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	FileType     string `json:"fileType,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`

	// Provider-qualified dedup key. Never changes after intake.
	SourceKey  string `json:"sourceKey,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`

	// Email envelope (email source only)
	EmailSubject string `json:"emailSubject,omitempty"`
	EmailFrom    string `json:"emailFrom,omitempty"`
	EmailDate    string `json:"emailDate,omitempty"`

	// Extracted fields
	ContractorNip  string   `json:"contractorNip,omitempty"`
	ContractorName string   `json:"contractorName,omitempty"`
	InvoiceNumber  string   `json:"invoiceNumber,omitempty"`
	IssueDate      string   `json:"issueDate,omitempty"`
	DueDate        string   `json:"dueDate,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	GrossAmount    *float64 `json:"grossAmount,omitempty"`
	NetAmount      *float64 `json:"netAmount,omitempty"`
	VatAmount      *float64 `json:"vatAmount,omitempty"`

	// Pipeline outputs
	OCRData    *ParsedDocument `json:"ocrData,omitempty"`
	ParsedData *ParsedDocument `json:"parsedData,omitempty"`
	Suggestion *Suggestion     `json:"suggestion,omitempty"`

	// Post-processing annotations
	Category        string   `json:"category,omitempty"`
	ExpenseTypeID   string   `json:"expenseTypeId,omitempty"`
	ProjectID       string   `json:"projectId,omitempty"`
	LabelIDs        []string `json:"labelIds,omitempty"`
	Description     string   `json:"description,omitempty"`
	MPK             string   `json:"mpk,omitempty"`
	RejectionReason string   `json:"rejectionReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	BookedAt    *time.Time `json:"bookedAt,omitempty"`
}

// HasFile reports whether the invoice carries document bytes.
func (i *Invoice) HasFile() bool {
	return len(i.OriginalFile) > 0
}

// Clone returns a deep copy. Event subscribers receive clones so they can
// never observe later mutations of the stored record.
func (i *Invoice) Clone() *Invoice {
	c := *i
	if i.OriginalFile != nil {
		c.OriginalFile = append([]byte(nil), i.OriginalFile...)
	}
	if i.LabelIDs != nil {
		c.LabelIDs = append([]string(nil), i.LabelIDs...)
	}
	if i.OCRData != nil {
		d := *i.OCRData
		c.OCRData = &d
	}
	if i.ParsedData != nil {
		d := *i.ParsedData
		c.ParsedData = &d
	}
	if i.Suggestion != nil {
		s := *i.Suggestion
		c.Suggestion = &s
	}
	if i.ProcessedAt != nil {
		t := *i.ProcessedAt
		c.ProcessedAt = &t
	}
	if i.ApprovedAt != nil {
		t := *i.ApprovedAt
		c.ApprovedAt = &t
	}
	if i.BookedAt != nil {
		t := *i.BookedAt
		c.BookedAt = &t
	}
	return &c
}

// ParsedDocument is the normalized output of one OCR/parse pipeline run.
type ParsedDocument struct {
	Engine        string   `json:"engine"`
	Confidence    int      `json:"confidence"`
	RawText       string   `json:"rawText,omitempty"`
	InvoiceNumber string   `json:"invoiceNumber,omitempty"`
	IssueDate     string   `json:"issueDate,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	SellerNip     string   `json:"sellerNip,omitempty"`
	SellerName    string   `json:"sellerName,omitempty"`
	BuyerNip      string   `json:"buyerNip,omitempty"`
	BuyerName     string   `json:"buyerName,omitempty"`
	NetAmount     *float64 `json:"netAmount,omitempty"`
	VatAmount     *float64 `json:"vatAmount,omitempty"`
	GrossAmount   *float64 `json:"grossAmount,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// Suggestion is one auto-describe candidate. Source is "history", "rule",
// "ai" or the sentinel "none".
type Suggestion struct {
	SuggestionSource string `json:"source"`
	Category         string `json:"category,omitempty"`
	MPK              string `json:"mpk,omitempty"`
	Description      string `json:"description,omitempty"`
	Confidence       int    `json:"confidence"`
	BasedOn          int    `json:"basedOn"`
	RuleName         string `json:"ruleName,omitempty"`
}

// ContractorHistoryEntry records one approved invoice under a contractor NIP
// for future history-based suggestions.
type ContractorHistoryEntry struct {
	InvoiceID   string   `json:"invoiceId"`
	Category    string   `json:"category,omitempty"`
	MPK         string   `json:"mpk,omitempty"`
	Description string   `json:"description,omitempty"`
	GrossAmount *float64 `json:"grossAmount,omitempty"`
	Date        string   `json:"date,omitempty"`
	SavedAt     string   `json:"savedAt"`
}

// DescribeRule matches invoices to a category. All non-zero predicates must
// hold for the rule to fire.
type DescribeRule struct {
	Name        string   `json:"name"`
	NipPattern  string   `json:"nipPattern,omitempty"`
	NamePattern string   `json:"namePattern,omitempty"`
	AmountMin   *float64 `json:"amountMin,omitempty"`
	AmountMax   *float64 `json:"amountMax,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Category    string   `json:"category"`
	MPK         string   `json:"mpk,omitempty"`
	Description string   `json:"description,omitempty"`
	Confidence  int      `json:"confidence"`
}

// Stats is the aggregate view returned by the inbox.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
	BySource map[string]int `json:"bySource"`
}
