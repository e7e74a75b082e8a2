package ocr

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

var (
	invoiceNumberPattern = regexp.MustCompile(`(?i)(faktura|fv|nr|numer)[:\s]*([A-Z0-9\-/]+)`)
	nipPattern           = regexp.MustCompile(`(NIP)[:\s]*(\d{10}|\d{3}-\d{3}-\d{2}-\d{2})`)
	datePattern          = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}|\d{2}[./-]\d{2}[./-]\d{4})`)
	amountPattern        = regexp.MustCompile(`(\d{1,3}(?:[\s,]\d{3})*[.,]\d{2})\s*(PLN|zł|zl)?`)
)

// ExtractFields applies the Polish-invoice field heuristics to free OCR text.
// Amounts are sorted descending: the largest is taken as gross, the second as
// net, VAT derived as their difference. First NIP is the seller, second the
// buyer; first date is the issue date, second the due date.
func ExtractFields(text string) *entity.ParsedDocument {
	doc := &entity.ParsedDocument{RawText: text}

	if m := invoiceNumberPattern.FindStringSubmatch(text); m != nil {
		doc.InvoiceNumber = m[2]
	}

	nips := nipPattern.FindAllStringSubmatch(text, -1)
	if len(nips) > 0 {
		doc.SellerNip = strings.ReplaceAll(nips[0][2], "-", "")
	}
	if len(nips) > 1 {
		doc.BuyerNip = strings.ReplaceAll(nips[1][2], "-", "")
	}

	dates := datePattern.FindAllString(text, -1)
	if len(dates) > 0 {
		doc.IssueDate = normalizeDate(dates[0])
	}
	if len(dates) > 1 {
		doc.DueDate = normalizeDate(dates[1])
	}

	amounts := extractAmounts(text)
	if len(amounts) > 0 {
		doc.GrossAmount = &amounts[0]
	}
	if len(amounts) > 1 {
		doc.NetAmount = &amounts[1]
		vat, _ := decimal.NewFromFloat(amounts[0]).
			Sub(decimal.NewFromFloat(amounts[1])).Round(2).Float64()
		doc.VatAmount = &vat
	}

	doc.Confidence = fieldConfidence(doc)
	return doc
}

// extractAmounts finds all monetary values and sorts them descending.
func extractAmounts(text string) []float64 {
	matches := amountPattern.FindAllStringSubmatch(text, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		raw := m[1]
		raw = strings.ReplaceAll(raw, " ", "")
		// Thousands separators first, then the decimal comma.
		if idx := strings.LastIndexAny(raw, ".,"); idx >= 0 {
			intPart := strings.Map(func(r rune) rune {
				if r == ',' || r == '.' {
					return -1
				}
				return r
			}, raw[:idx])
			raw = intPart + "." + raw[idx+1:]
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		v, _ := d.Round(2).Float64()
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

// normalizeDate converts dd.mm.yyyy / dd-mm-yyyy / dd/mm/yyyy to ISO.
func normalizeDate(s string) string {
	if len(s) == 10 && s[4] == '-' {
		return s
	}
	if len(s) == 10 {
		sep := s[2]
		if sep == '.' || sep == '/' || sep == '-' {
			return s[6:10] + "-" + s[3:5] + "-" + s[0:2]
		}
	}
	return s
}

// fieldConfidence scores how much of the core field set the heuristics hit.
func fieldConfidence(doc *entity.ParsedDocument) int {
	score := 0
	if doc.InvoiceNumber != "" {
		score += 25
	}
	if doc.SellerNip != "" {
		score += 25
	}
	if doc.IssueDate != "" {
		score += 20
	}
	if doc.GrossAmount != nil {
		score += 20
	}
	if doc.NetAmount != nil {
		score += 10
	}
	return score
}
