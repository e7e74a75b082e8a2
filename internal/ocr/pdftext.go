package ocr

import (
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
)

// PDFTextReader extracts the embedded text layer of a PDF in-process.
// Digitally issued invoices almost always carry one, which makes the
// subprocess OCR chain unnecessary for them.
type PDFTextReader struct {
	logger *zap.Logger
}

// NewPDFTextReader creates a text-layer reader.
func NewPDFTextReader(logger *zap.Logger) *PDFTextReader {
	return &PDFTextReader{logger: logger}
}

// Text returns the concatenated text layer, or "" when the document has none
// (scanned pages) or cannot be opened.
func (r *PDFTextReader) Text(content []byte) string {
	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		r.logger.Debug("PDF open failed, falling back to OCR", zap.Error(err))
		return ""
	}
	defer doc.Close()

	var sb strings.Builder
	for page := 0; page < doc.NumPage(); page++ {
		text, err := doc.Text(page)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	out := strings.TrimSpace(sb.String())
	// A handful of characters is typically OCR noise in the text layer, not
	// a usable document.
	if len(out) < 32 {
		return ""
	}
	return out
}
