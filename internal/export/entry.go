package export

import (
	"strings"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// Column indices of the KPiR 2026 ledger row (1-based).
const (
	colLp = iota + 1
	colDataZdarzenia
	colNrKsef
	colNrDowodu
	colNipKontrahenta
	colNazwaKontrahenta
	colAdresKontrahenta
	colOpis
	colPrzychodSprzedaz
	colPrzychodPozostaly
	colRazemPrzychod
	colZakupTowarow
	colKosztyUboczne
	colWynagrodzenia
	colPozostaleWydatki
	colRazemWydatki
	colWydatkiPrzyszle
	colKosztyBR
	colUwagi
)

// kpirColumns is the canonical header of the 19-column KPiR row.
var kpirColumns = []string{
	"lp", "data_zdarzenia", "nr_ksef", "nr_dowodu",
	"nip_kontrahenta", "nazwa_kontrahenta", "adres_kontrahenta", "opis",
	"przychod_sprzedaz", "przychod_pozostaly", "razem_przychod",
	"zakup_towarow", "koszty_uboczne", "wynagrodzenia", "pozostale_wydatki",
	"razem_wydatki", "wydatki_przyszle", "koszty_br", "uwagi",
}

// Entry is one flattened KPiR ledger row plus the metadata side-channel the
// format-specific writers need.
type Entry struct {
	Lp          int
	Date        string
	KsefNumber  string
	DocNumber   string
	Nip         string
	Name        string
	Address     string
	Description string
	// Amounts keyed by KPiR column index (9..18). Totals (11, 16) are
	// derived, never stored.
	Amounts map[int]float64
	Remarks string

	Meta EntryMeta
}

// EntryMeta carries raw invoice values that some renderers need beyond the
// ledger columns.
type EntryMeta struct {
	Category string
	Net      float64
	Vat      float64
	Gross    float64
	Currency string
}

// columnForCategory maps an expense category to its KPiR target column.
func columnForCategory(category string) int {
	c := strings.ToLower(strings.TrimSpace(category))
	switch {
	case c == "zakup_towarow" || c == "towary":
		return colZakupTowarow
	case c == "koszty_uboczne":
		return colKosztyUboczne
	case c == "wynagrodzenia":
		return colWynagrodzenia
	case c == "rmk":
		return colWydatkiPrzyszle
	case strings.HasPrefix(c, "br_"):
		return colKosztyBR
	default:
		return colPozostaleWydatki
	}
}

// BuildEntry projects one approved invoice into a KPiR row. Lp is assigned by
// the caller (1-based batch position).
func BuildEntry(lp int, inv *entity.Invoice) *Entry {
	net := amountOf(inv.NetAmount, parsedAmount(inv, func(d *entity.ParsedDocument) *float64 { return d.NetAmount }))
	vat := amountOf(inv.VatAmount, parsedAmount(inv, func(d *entity.ParsedDocument) *float64 { return d.VatAmount }))
	gross := amountOf(inv.GrossAmount, parsedAmount(inv, func(d *entity.ParsedDocument) *float64 { return d.GrossAmount }))
	if gross == 0 && net != 0 {
		gross = round2(net + vat)
	}
	if net == 0 && gross != 0 {
		net = round2(gross - vat)
	}

	e := &Entry{
		Lp:          lp,
		Date:        entryDate(inv),
		KsefNumber:  ksefNumber(inv),
		DocNumber:   inv.InvoiceNumber,
		Nip:         inv.ContractorNip,
		Name:        contractorName(inv),
		Description: entryDescription(inv),
		Amounts:     make(map[int]float64),
		Meta: EntryMeta{
			Category: inv.Category,
			Net:      round2(net),
			Vat:      round2(vat),
			Gross:    round2(gross),
			Currency: currency(inv),
		},
	}

	if net != 0 {
		e.Amounts[columnForCategory(inv.Category)] = round2(net)
	}
	return e
}

// IncomeTotal derives column 11 (przychod columns 9+10).
func (e *Entry) IncomeTotal() float64 {
	return round2(e.Amounts[colPrzychodSprzedaz] + e.Amounts[colPrzychodPozostaly])
}

// ExpenseTotal derives column 16 (expense columns 12+13+14+15).
func (e *Entry) ExpenseTotal() float64 {
	return round2(e.Amounts[colZakupTowarow] + e.Amounts[colKosztyUboczne] +
		e.Amounts[colWynagrodzenia] + e.Amounts[colPozostaleWydatki])
}

func entryDate(inv *entity.Invoice) string {
	if inv.IssueDate != "" {
		return inv.IssueDate
	}
	return inv.CreatedAt.Format("2006-01-02")
}

// ksefNumber extracts the KSeF reference from the source key of invoices
// ingested from KSeF ("ksef:<ref>").
func ksefNumber(inv *entity.Invoice) string {
	if inv.Source != entity.SourceKSeF {
		return ""
	}
	if rest, ok := strings.CutPrefix(inv.SourceKey, "ksef:"); ok {
		return rest
	}
	return ""
}

func contractorName(inv *entity.Invoice) string {
	if inv.ContractorName != "" {
		return inv.ContractorName
	}
	if inv.ParsedData != nil {
		return inv.ParsedData.SellerName
	}
	return ""
}

func entryDescription(inv *entity.Invoice) string {
	if inv.Description != "" {
		return inv.Description
	}
	if inv.Category != "" {
		return inv.Category
	}
	return "Zakup"
}

func currency(inv *entity.Invoice) string {
	if inv.Currency != "" {
		return inv.Currency
	}
	return "PLN"
}

func amountOf(primary *float64, fallback *float64) float64 {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return 0
}

func parsedAmount(inv *entity.Invoice, pick func(*entity.ParsedDocument) *float64) *float64 {
	if inv.ParsedData != nil {
		if v := pick(inv.ParsedData); v != nil {
			return v
		}
	}
	if inv.OCRData != nil {
		return pick(inv.OCRData)
	}
	return nil
}
