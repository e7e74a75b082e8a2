// Package ocr implements the document parse pipeline: XML structured
// extraction for KSeF invoices, a subprocess OCR chain for scans and PDFs,
// an external HTTP OCR driver, and regex field extraction over free text.
package ocr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// Provider selects the OCR engine for non-XML documents.
type Provider string

const (
	ProviderTesseract    Provider = "tesseract"
	ProviderGoogleVision Provider = "google-vision"
	ProviderAzureOCR     Provider = "azure-ocr"
	ProviderExternalAPI  Provider = "external-api"
)

// Config configures the pipeline.
type Config struct {
	Provider  Provider
	Tesseract TesseractConfig
	External  ExternalConfig
}

// Pipeline dispatches a document to the right extractor and returns one
// normalized parsed record.
type Pipeline struct {
	cfg      Config
	xml      *XMLExtractor
	tess     *TesseractDriver
	pdfText  *PDFTextReader
	external *ExternalDriver
	logger   *zap.Logger
}

// NewPipeline creates a pipeline with the configured provider.
func NewPipeline(cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Provider == "" {
		cfg.Provider = ProviderTesseract
	}
	return &Pipeline{
		cfg:      cfg,
		xml:      NewXMLExtractor(),
		tess:     NewTesseractDriver(cfg.Tesseract, logger),
		pdfText:  NewPDFTextReader(logger),
		external: NewExternalDriver(cfg.External, logger),
		logger:   logger,
	}
}

// Process extracts structured fields from the invoice document.
//
// Content is normalized first: buffers holding a data URL or bare base64
// text are decoded to the raw document bytes. Dispatch order: KSeF or
// XML-looking content goes to the structured extractor (confidence 100);
// documents without bytes short-circuit to a metadata-only record
// (confidence 0); everything else runs through the configured OCR provider
// followed by regex field extraction.
//
// Driver errors propagate; the caller decides on retry.
func (p *Pipeline) Process(ctx context.Context, inv *entity.Invoice) (*entity.ParsedDocument, error) {
	content := NormalizeContent(inv.OriginalFile)

	if inv.Source == entity.SourceKSeF || looksLikeXML(inv.FileType, inv.FileName, content) {
		doc := p.xml.Extract(content)
		p.logger.Debug("Extracted structured XML invoice",
			zap.String("invoice_id", inv.ID),
			zap.String("invoice_number", doc.InvoiceNumber))
		return doc, nil
	}

	if len(content) == 0 {
		return &entity.ParsedDocument{
			Engine:     "none",
			Confidence: 0,
			Note:       "No file content available, skipping OCR",
		}, nil
	}

	text, engine, err := p.recognize(ctx, inv, content)
	if err != nil {
		return nil, err
	}

	doc := ExtractFields(text)
	doc.Engine = engine
	if doc.Currency == "" {
		doc.Currency = "PLN"
	}
	return doc, nil
}

func (p *Pipeline) recognize(ctx context.Context, inv *entity.Invoice, content []byte) (string, string, error) {
	switch p.cfg.Provider {
	case ProviderTesseract:
		// PDFs with an embedded text layer skip the subprocess chain.
		if extensionFor(inv.FileType) == ".pdf" {
			if text := p.pdfText.Text(content); text != "" {
				return text, "pdf-text", nil
			}
		}
		text, err := p.tess.Recognize(ctx, content, inv.FileType)
		if err != nil {
			return "", "", fmt.Errorf("tesseract pipeline: %w", err)
		}
		return text, "tesseract", nil

	case ProviderGoogleVision, ProviderAzureOCR, ProviderExternalAPI:
		text, err := p.external.Recognize(ctx, content, inv.FileType, inv.FileName)
		if err != nil {
			return "", "", fmt.Errorf("external OCR: %w", err)
		}
		return text, string(p.cfg.Provider), nil

	default:
		return "", "", fmt.Errorf("unknown OCR provider %q", p.cfg.Provider)
	}
}
