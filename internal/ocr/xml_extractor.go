package ocr

import (
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// XMLExtractor pulls structured fields out of KSeF invoice XML. The schema is
// versioned and namespaced, so tags are matched by local name regardless of
// prefix, first inside their expected enclosing section and then document-wide.
type XMLExtractor struct{}

// NewXMLExtractor creates an extractor.
func NewXMLExtractor() *XMLExtractor {
	return &XMLExtractor{}
}

var (
	tagPatternMu    sync.Mutex
	tagPatternCache = map[string]*regexp.Regexp{}
)

// tagPattern matches <[prefix:]name ...>value</[prefix:]name> non-greedily.
func tagPattern(name string) *regexp.Regexp {
	tagPatternMu.Lock()
	defer tagPatternMu.Unlock()
	if re, ok := tagPatternCache[name]; ok {
		return re
	}
	re := regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_.-]+:)?` + regexp.QuoteMeta(name) + `(?:\s[^>]*)?>(.*?)</(?:[A-Za-z0-9_.-]+:)?` + regexp.QuoteMeta(name) + `>`)
	tagPatternCache[name] = re
	return re
}

// section returns the inner content of the first occurrence of the named
// element, or "" when absent.
func section(doc, name string) string {
	if m := tagPattern(name).FindStringSubmatch(doc); m != nil {
		return m[1]
	}
	return ""
}

// findTag returns the first matching tag value among names, searching scope
// first and falling back to the whole document.
func findTag(doc, scope string, names ...string) string {
	for _, n := range names {
		if scope != "" {
			if m := tagPattern(n).FindStringSubmatch(scope); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}
	for _, n := range names {
		if m := tagPattern(n).FindStringSubmatch(doc); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// parseAmount converts a Polish-formatted amount string to a float pointer,
// nil when unparseable.
func parseAmount(s string) *float64 {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	v, _ := d.Round(2).Float64()
	return &v
}

// Extract reads the field map out of invoice XML. Always returns a record;
// malformed documents yield empty fields, never an error.
func (x *XMLExtractor) Extract(content []byte) *entity.ParsedDocument {
	doc := string(content)

	fa := section(doc, "Fa")
	seller := section(doc, "Podmiot1")
	buyer := section(doc, "Podmiot2")

	currency := findTag(doc, fa, "KodWaluty")
	if currency == "" {
		currency = "PLN"
	}

	return &entity.ParsedDocument{
		Engine:        "xml",
		Confidence:    100,
		InvoiceNumber: findTag(doc, fa, "P_2", "NrFaktury", "InvoiceNumber"),
		IssueDate:     findTag(doc, fa, "P_1", "DataWystawienia", "IssueDate"),
		DueDate:       findTag(doc, fa, "TerminPlatnosci", "DueDate"),
		SellerNip:     findTag(doc, seller, "NIP", "SellerNIP"),
		SellerName:    findTag(doc, seller, "Nazwa", "SellerName"),
		BuyerNip:      findTag(doc, buyer, "NIP", "BuyerNIP", "NIPNabywcy"),
		BuyerName:     findTag(doc, buyer, "Nazwa", "BuyerName", "NazwaNabywcy"),
		NetAmount:     parseAmount(findTag(doc, fa, "P_13_1", "WartoscNetto")),
		VatAmount:     parseAmount(findTag(doc, fa, "P_14_1", "KwotaVAT")),
		GrossAmount:   parseAmount(findTag(doc, fa, "P_15", "WartoscBrutto")),
		Currency:      currency,
	}
}
