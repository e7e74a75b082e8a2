package ocr

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

const ksefSample = `<?xml version="1.0" encoding="UTF-8"?>
<Faktura xmlns="http://crd.gov.pl/wzor/2023/06/29/12648/">
  <Fa>
    <P_2>FV/2026/01/001</P_2>
    <P_1>2026-01-15</P_1>
    <P_13_1>1000,00</P_13_1>
    <P_14_1>230,00</P_14_1>
    <P_15>1230,00</P_15>
  </Fa>
  <Podmiot1>
    <NIP>1234567890</NIP>
    <Nazwa>ACME</Nazwa>
  </Podmiot1>
</Faktura>`

func TestProcess_KSeFXMLIntake(t *testing.T) {
	p := NewPipeline(Config{}, zap.NewNop())

	doc, err := p.Process(context.Background(), &entity.Invoice{
		ID:           "inv-1",
		Source:       entity.SourceKSeF,
		OriginalFile: []byte(ksefSample),
	})
	require.NoError(t, err)

	assert.Equal(t, 100, doc.Confidence)
	assert.Equal(t, "FV/2026/01/001", doc.InvoiceNumber)
	assert.Equal(t, "2026-01-15", doc.IssueDate)
	assert.Equal(t, "1234567890", doc.SellerNip)
	assert.Equal(t, "ACME", doc.SellerName)
	require.NotNil(t, doc.NetAmount)
	require.NotNil(t, doc.VatAmount)
	require.NotNil(t, doc.GrossAmount)
	assert.Equal(t, 1000.00, *doc.NetAmount)
	assert.Equal(t, 230.00, *doc.VatAmount)
	assert.Equal(t, 1230.00, *doc.GrossAmount)
	assert.Equal(t, "PLN", doc.Currency)
}

func TestProcess_XMLDetectedByContent(t *testing.T) {
	p := NewPipeline(Config{}, zap.NewNop())

	// source is storage, filename gives nothing away, but the content is XML
	doc, err := p.Process(context.Background(), &entity.Invoice{
		ID:           "inv-2",
		Source:       entity.SourceStorage,
		FileName:     "download",
		OriginalFile: []byte(ksefSample),
	})
	require.NoError(t, err)
	assert.Equal(t, "xml", doc.Engine)
	assert.Equal(t, 100, doc.Confidence)
}

func TestXMLExtractor_NamespacePrefixes(t *testing.T) {
	x := NewXMLExtractor()
	doc := x.Extract([]byte(`<ns2:Faktura xmlns:ns2="urn:x">
		<ns2:Fa><ns2:P_2>FV/9</ns2:P_2><ns2:KodWaluty>EUR</ns2:KodWaluty></ns2:Fa>
		<ns2:Podmiot2><ns2:NIPNabywcy>9876543210</ns2:NIPNabywcy></ns2:Podmiot2>
	</ns2:Faktura>`))

	assert.Equal(t, "FV/9", doc.InvoiceNumber)
	assert.Equal(t, "EUR", doc.Currency)
	assert.Equal(t, "9876543210", doc.BuyerNip)
}

func TestXMLExtractor_MalformedReturnsEmptyFields(t *testing.T) {
	x := NewXMLExtractor()
	doc := x.Extract([]byte(`<broken`))
	assert.Equal(t, 100, doc.Confidence)
	assert.Empty(t, doc.InvoiceNumber)
	assert.Nil(t, doc.GrossAmount)
	assert.Equal(t, "PLN", doc.Currency)
}

func TestProcess_DataURLContentIsDecoded(t *testing.T) {
	p := NewPipeline(Config{}, zap.NewNop())

	// the stored buffer is a data URL wrapping the XML, not the XML itself
	payload := "data:application/xml;base64," + base64.StdEncoding.EncodeToString([]byte(ksefSample))
	doc, err := p.Process(context.Background(), &entity.Invoice{
		ID:           "inv-5",
		Source:       entity.SourceStorage,
		FileName:     "upload",
		OriginalFile: []byte(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, "xml", doc.Engine)
	assert.Equal(t, 100, doc.Confidence)
	assert.Equal(t, "FV/2026/01/001", doc.InvoiceNumber)
}

func TestProcess_NoBytesSkipsOCR(t *testing.T) {
	p := NewPipeline(Config{}, zap.NewNop())

	doc, err := p.Process(context.Background(), &entity.Invoice{
		ID:       "inv-3",
		Source:   entity.SourceScanner,
		FileName: "scan.jpg",
		FileType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Confidence)
	assert.Contains(t, doc.Note, "No file content")
}

func TestProcess_ExternalMockProvider(t *testing.T) {
	p := NewPipeline(Config{
		Provider: ProviderExternalAPI,
		External: ExternalConfig{
			URL:      "mock://test",
			MockText: "Faktura FV/123/2026\nNIP: 1234567890\nRazem: 1 230,00 PLN\nNetto: 1 000,00 PLN\n2026-01-15",
		},
	}, zap.NewNop())

	doc, err := p.Process(context.Background(), &entity.Invoice{
		ID:           "inv-4",
		Source:       entity.SourceEmail,
		FileName:     "scan.jpg",
		FileType:     "image/jpeg",
		OriginalFile: []byte{0xff, 0xd8},
	})
	require.NoError(t, err)
	assert.Equal(t, "external-api", doc.Engine)
	assert.Equal(t, "FV/123/2026", doc.InvoiceNumber)
	assert.Equal(t, "1234567890", doc.SellerNip)
	require.NotNil(t, doc.GrossAmount)
	assert.Equal(t, 1230.00, *doc.GrossAmount)
}

func TestExtractFields_AmountPolicy(t *testing.T) {
	doc := ExtractFields("Netto: 1 000,00\nVAT: 230,00\nBrutto: 1 230,00 zł")

	require.NotNil(t, doc.GrossAmount)
	require.NotNil(t, doc.NetAmount)
	require.NotNil(t, doc.VatAmount)
	assert.Equal(t, 1230.00, *doc.GrossAmount, "largest amount is gross")
	assert.Equal(t, 1000.00, *doc.NetAmount, "second largest is net")
	assert.Equal(t, 230.00, *doc.VatAmount, "vat = gross - net")
}

func TestExtractFields_NipsAndDates(t *testing.T) {
	doc := ExtractFields("NIP: 123-456-78-90 sprzedawca\nNIP: 9876543210 nabywca\n15.01.2026 termin 29.01.2026")

	assert.Equal(t, "1234567890", doc.SellerNip)
	assert.Equal(t, "9876543210", doc.BuyerNip)
	assert.Equal(t, "2026-01-15", doc.IssueDate)
	assert.Equal(t, "2026-01-29", doc.DueDate)
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want []byte
	}{
		{"binary bytes passthrough", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"data url stored as bytes", []byte("data:application/pdf;base64,JVBERg=="), []byte("%PDF")},
		{"buffer literal", map[string]interface{}{"type": "Buffer", "data": []interface{}{float64(65), float64(66)}}, []byte("AB")},
		{"byte array", []interface{}{float64(80), float64(75)}, []byte("PK")},
		{"data url", "data:application/pdf;base64,JVBERg==", []byte("%PDF")},
		{"plain utf8", "faktura", []byte("faktura")},
		{"short base64 stays text", "QUJD", []byte("QUJD")},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeContent(tt.in))
		})
	}
}

func TestNormalizeContent_BareBase64(t *testing.T) {
	// 64+ chars, multiple of 4, base64 charset: decoded
	long := "SkF2YXNjcmlwdCBpbnZvaWNlIGRvY3VtZW50IGNvbnRlbnQgZm9yIHRlc3RpbmchIQ=="
	require.Equal(t, 0, len(long)%4)
	require.GreaterOrEqual(t, len(long), 64)
	got := NormalizeContent(long)
	assert.Equal(t, "JAvascript invoice document content for testing!!", string(got))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".pdf", extensionFor("application/pdf"))
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".png", extensionFor("image/png"))
	assert.Equal(t, ".tif", extensionFor("image/tiff"))
	assert.Equal(t, ".bin", extensionFor("application/octet-stream"))
}
