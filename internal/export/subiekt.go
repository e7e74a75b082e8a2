package export

import (
	"fmt"
	"strings"
)

// writeSubiektEPP renders the Subiekt GT EPP communication file: an INI-like
// [NAGLOWEK] section followed by one [DOKUMENT_n] section per invoice, CRLF
// line endings, Windows-1250 encoded.
func (s *Service) writeSubiektEPP(entries []*Entry) (*Result, error) {
	const eol = "\r\n"
	var b strings.Builder

	b.WriteString("[NAGLOWEK]" + eol)
	b.WriteString("Wersja=1.05" + eol)
	b.WriteString("Format=EPP" + eol)
	fmt.Fprintf(&b, "DataWygenerowania=%s%s", s.now().Format("20060102"), eol)
	fmt.Fprintf(&b, "LiczbaDokumentow=%d%s", len(entries), eol)
	b.WriteString(eol)

	for i, e := range entries {
		fmt.Fprintf(&b, "[DOKUMENT_%d]%s", i+1, eol)
		b.WriteString("Typ=FZ" + eol)
		fmt.Fprintf(&b, "Numer=%s%s", e.DocNumber, eol)
		fmt.Fprintf(&b, "Data=%s%s", e.Date, eol)
		fmt.Fprintf(&b, "KontrahentNIP=%s%s", e.Nip, eol)
		fmt.Fprintf(&b, "KontrahentNazwa=%s%s", e.Name, eol)
		fmt.Fprintf(&b, "Opis=%s%s", e.Description, eol)
		fmt.Fprintf(&b, "Netto=%s%s", amountPL(e.Meta.Net), eol)
		fmt.Fprintf(&b, "VAT=%s%s", amountPL(e.Meta.Vat), eol)
		fmt.Fprintf(&b, "Brutto=%s%s", amountPL(e.Meta.Gross), eol)
		b.WriteString(eol)
	}

	encoded, err := toWindows1250(b.String())
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:  encoded,
		Filename: s.stamp("subiekt", "epp"),
		MimeType: "application/octet-stream",
	}, nil
}
