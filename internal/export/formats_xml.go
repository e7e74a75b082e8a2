package export

import (
	"fmt"
	"strings"
)

// writeOptimaXML renders the Comarch Optima purchase-register import.
func (s *Service) writeOptimaXML(entries []*Entry) (*Result, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<REJESTRY_VAT>\n")
	for _, e := range entries {
		b.WriteString("  <REJESTR_ZAKUPU>\n")
		writeXMLField(&b, 4, "LP", fmt.Sprintf("%d", e.Lp))
		writeXMLField(&b, 4, "DATA_WYSTAWIENIA", e.Date)
		writeXMLField(&b, 4, "NUMER_DOKUMENTU", e.DocNumber)
		writeXMLField(&b, 4, "NIP", e.Nip)
		writeXMLField(&b, 4, "NAZWA_KONTRAHENTA", e.Name)
		writeXMLField(&b, 4, "OPIS", e.Description)
		writeXMLField(&b, 4, "NETTO", amountDot(e.Meta.Net))
		writeXMLField(&b, 4, "VAT", amountDot(e.Meta.Vat))
		writeXMLField(&b, 4, "BRUTTO", amountDot(e.Meta.Gross))
		writeXMLField(&b, 4, "WALUTA", e.Meta.Currency)
		b.WriteString("  </REJESTR_ZAKUPU>\n")
	}
	b.WriteString("</REJESTRY_VAT>\n")

	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp("optima", "xml"),
		MimeType: "application/xml",
	}, nil
}

// writeEnovaXML renders the enova365 expense document import.
func (s *Service) writeEnovaXML(entries []*Entry) (*Result, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<Dokumenty>\n")
	for _, e := range entries {
		b.WriteString("  <Dokument>\n")
		writeXMLField(&b, 4, "Numer", e.DocNumber)
		writeXMLField(&b, 4, "Data", e.Date)
		b.WriteString("    <Kontrahent>\n")
		writeXMLField(&b, 6, "NIP", e.Nip)
		writeXMLField(&b, 6, "Nazwa", e.Name)
		b.WriteString("    </Kontrahent>\n")
		writeXMLField(&b, 4, "Opis", e.Description)
		writeXMLField(&b, 4, "Kategoria", e.Meta.Category)
		writeXMLField(&b, 4, "Netto", amountDot(e.Meta.Net))
		writeXMLField(&b, 4, "VAT", amountDot(e.Meta.Vat))
		writeXMLField(&b, 4, "Brutto", amountDot(e.Meta.Gross))
		b.WriteString("  </Dokument>\n")
	}
	b.WriteString("</Dokumenty>\n")

	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp("enova", "xml"),
		MimeType: "application/xml",
	}, nil
}

// writeJPKPkpir renders the JPK_PKPIR audit file: one <PKPIRWiersz> per
// entry plus the control totals.
func (s *Service) writeJPKPkpir(entries []*Entry) (*Result, error) {
	var income, expenses float64
	var rows strings.Builder
	for _, e := range entries {
		income = round2(income + e.IncomeTotal())
		expenses = round2(expenses + e.ExpenseTotal())

		rows.WriteString("  <PKPIRWiersz>\n")
		writeXMLField(&rows, 4, "K_1", fmt.Sprintf("%d", e.Lp))
		writeXMLField(&rows, 4, "K_2", e.Date)
		writeXMLField(&rows, 4, "K_3", e.DocNumber)
		writeXMLField(&rows, 4, "K_4", e.Nip)
		writeXMLField(&rows, 4, "K_5", e.Name)
		writeXMLField(&rows, 4, "K_6", e.Description)
		for col := colPrzychodSprzedaz; col <= colKosztyBR; col++ {
			var v float64
			switch col {
			case colRazemPrzychod:
				v = e.IncomeTotal()
			case colRazemWydatki:
				v = e.ExpenseTotal()
			default:
				v = e.Amounts[col]
			}
			writeXMLField(&rows, 4, fmt.Sprintf("K_%d", col-2), amountDot(v))
		}
		rows.WriteString("  </PKPIRWiersz>\n")
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<JPK>\n")
	b.WriteString("  <Naglowek>\n")
	writeXMLField(&b, 4, "KodFormularza", "JPK_PKPIR")
	writeXMLField(&b, 4, "WariantFormularza", "2")
	writeXMLField(&b, 4, "DataWytworzeniaJPK", s.now().UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteString("  </Naglowek>\n")
	b.WriteString(rows.String())
	b.WriteString("  <PKPIRCtrl>\n")
	writeXMLField(&b, 4, "LiczbaWierszy", fmt.Sprintf("%d", len(entries)))
	writeXMLField(&b, 4, "SumaPrzychodow", amountDot(income))
	writeXMLField(&b, 4, "SumaKosztow", amountDot(expenses))
	b.WriteString("  </PKPIRCtrl>\n")
	b.WriteString("</JPK>\n")

	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp("jpk_pkpir", "xml"),
		MimeType: "application/xml",
	}, nil
}

func writeXMLField(b *strings.Builder, indent int, tag, value string) {
	b.WriteString(strings.Repeat(" ", indent))
	b.WriteString("<")
	b.WriteString(tag)
	b.WriteString(">")
	b.WriteString(xmlEscape(value))
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteString(">\n")
}
