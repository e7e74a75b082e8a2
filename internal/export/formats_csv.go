package export

import "strings"

// wfirmaSchemes maps expense categories to wFirma booking scheme names.
var wfirmaSchemes = map[string]string{
	"zakup_towarow":  "zakup towarów handlowych",
	"towary":         "zakup towarów handlowych",
	"koszty_uboczne": "koszty uboczne zakupu",
	"wynagrodzenia":  "wynagrodzenia",
	"paliwo":         "zakup paliwa",
	"rmk":            "rozliczenia międzyokresowe",
}

func wfirmaScheme(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if s, ok := wfirmaSchemes[c]; ok {
		return s
	}
	if strings.HasPrefix(c, "br_") {
		return "koszty działalności B+R"
	}
	return "pozostałe wydatki"
}

func (s *Service) writeWfirma(entries []*Entry) (*Result, error) {
	header := []string{
		"data_wystawienia", "numer", "nip", "kontrahent", "opis",
		"netto", "vat", "brutto", "schemat",
	}

	var b strings.Builder
	b.WriteString(csvLine(header, ";"))
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(csvLine([]string{
			e.Date,
			e.DocNumber,
			e.Nip,
			e.Name,
			e.Description,
			amountPL(e.Meta.Net),
			amountPL(e.Meta.Vat),
			amountPL(e.Meta.Gross),
			wfirmaScheme(e.Meta.Category),
		}, ";"))
		b.WriteByte('\n')
	}
	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp("wfirma_wydatki", "csv"),
		MimeType: "text/csv",
	}, nil
}

// symfoniaAccounts maps expense categories to Symfonia ledger accounts.
var symfoniaAccounts = map[string]string{
	"zakup_towarow":  "330",
	"towary":         "330",
	"koszty_uboczne": "402",
	"wynagrodzenia":  "404",
	"paliwo":         "401-1",
	"rmk":            "640",
}

func symfoniaAccount(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if a, ok := symfoniaAccounts[c]; ok {
		return a
	}
	if strings.HasPrefix(c, "br_") {
		return "405"
	}
	return "402-9"
}

// writeSymfonia renders the Symfonia FK import CSV. The target insists on
// Windows-1250; unencodable characters abort the export.
func (s *Service) writeSymfonia(entries []*Entry) (*Result, error) {
	header := []string{
		"data", "numer", "nip", "kontrahent", "opis", "konto",
		"netto", "vat", "brutto",
	}

	var b strings.Builder
	b.WriteString(csvLine(header, ";"))
	b.WriteString("\r\n")
	for _, e := range entries {
		b.WriteString(csvLine([]string{
			e.Date,
			e.DocNumber,
			e.Nip,
			e.Name,
			e.Description,
			symfoniaAccount(e.Meta.Category),
			amountPL(e.Meta.Net),
			amountPL(e.Meta.Vat),
			amountPL(e.Meta.Gross),
		}, ";"))
		b.WriteString("\r\n")
	}

	encoded, err := toWindows1250(b.String())
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:  encoded,
		Filename: s.stamp("symfonia", "csv"),
		MimeType: "text/csv; charset=windows-1250",
	}, nil
}

func (s *Service) writeInfakt(entries []*Entry) (*Result, error) {
	return s.writeSimpleCSV(entries, "infakt", ";")
}

func (s *Service) writeIfirma(entries []*Entry) (*Result, error) {
	return s.writeSimpleCSV(entries, "ifirma", ";")
}

func (s *Service) writeFakturownia(entries []*Entry) (*Result, error) {
	return s.writeSimpleCSV(entries, "fakturownia", ",")
}

// writeSimpleCSV is the shared shape of the infakt / ifirma / fakturownia
// expense imports: flat row per invoice, UTF-8.
func (s *Service) writeSimpleCSV(entries []*Entry, name, sep string) (*Result, error) {
	header := []string{
		"data", "numer_faktury", "nip", "sprzedawca", "opis", "kategoria",
		"netto", "vat", "brutto", "waluta",
	}

	var b strings.Builder
	b.WriteString(csvLine(header, sep))
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(csvLine([]string{
			e.Date,
			e.DocNumber,
			e.Nip,
			e.Name,
			e.Description,
			e.Meta.Category,
			amountPL(e.Meta.Net),
			amountPL(e.Meta.Vat),
			amountPL(e.Meta.Gross),
			e.Meta.Currency,
		}, sep))
		b.WriteByte('\n')
	}
	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp(name, "csv"),
		MimeType: "text/csv",
	}, nil
}
