// Package export renders approved invoice batches into accounting-software
// artifacts: KPiR ledger CSV/XLSX, wFirma, Optima, Subiekt EPP, Symfonia,
// enova, infakt/ifirma/fakturownia CSV dialects and the JPK_PKPIR audit XML.
package export

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// Result is one rendered export artifact.
type Result struct {
	Content  []byte
	Filename string
	MimeType string
}

// writer renders a batch of KPiR entries into one artifact.
type writer func(s *Service, entries []*Entry) (*Result, error)

// Service renders export artifacts. One Service handles all formats.
type Service struct {
	formats map[string]writer
	logger  *zap.Logger
	// now is injected in tests to pin filenames
	now func() time.Time
}

// NewService creates the export service with the full format catalog.
func NewService(logger *zap.Logger) *Service {
	s := &Service{
		logger: logger,
		now:    time.Now,
	}
	s.formats = map[string]writer{
		"kpir_csv":       (*Service).writeKpirCSV,
		"kpir_xlsx":      (*Service).writeKpirXLSX,
		"wfirma_wydatki": (*Service).writeWfirma,
		"optima_xml":     (*Service).writeOptimaXML,
		"subiekt_epp":    (*Service).writeSubiektEPP,
		"symfonia":       (*Service).writeSymfonia,
		"enova":          (*Service).writeEnovaXML,
		"infakt":         (*Service).writeInfakt,
		"ifirma":         (*Service).writeIfirma,
		"fakturownia":    (*Service).writeFakturownia,
		"jpk_pkpir":      (*Service).writeJPKPkpir,
	}
	return s
}

// Formats lists the supported format ids.
func (s *Service) Formats() []string {
	out := make([]string, 0, len(s.formats))
	for id := range s.formats {
		out = append(out, id)
	}
	return out
}

// Export renders the invoices into the requested format. Entries are numbered
// 1..n in input order.
func (s *Service) Export(formatID string, invoices []*entity.Invoice) (*Result, error) {
	w, ok := s.formats[formatID]
	if !ok {
		return nil, fmt.Errorf("unknown export format %q", formatID)
	}

	entries := make([]*Entry, len(invoices))
	for i, inv := range invoices {
		entries[i] = BuildEntry(i+1, inv)
	}

	res, err := w(s, entries)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", formatID, err)
	}

	s.logger.Info("Rendered export",
		zap.String("format", formatID),
		zap.Int("invoices", len(invoices)),
		zap.Int("bytes", len(res.Content)))
	return res, nil
}

// stamp builds a timestamped filename base.
func (s *Service) stamp(prefix, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, s.now().Format("2006-01-02"), ext)
}
