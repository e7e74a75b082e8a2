package export

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

func newTestService() *Service {
	s := NewService(zap.NewNop())
	s.now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func ptr(v float64) *float64 { return &v }

func approvedInvoice(number, category string, net, vat float64) *entity.Invoice {
	gross := net + vat
	return &entity.Invoice{
		ID:             "inv-" + number,
		Source:         entity.SourceStorage,
		Status:         "approved",
		InvoiceNumber:  number,
		IssueDate:      "2026-01-15",
		ContractorNip:  "1234567890",
		ContractorName: "ACME Sp. z o.o.",
		Category:       category,
		Description:    "Zakup " + category,
		Currency:       "PLN",
		NetAmount:      ptr(net),
		VatAmount:      ptr(vat),
		GrossAmount:    ptr(gross),
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	s := newTestService()
	_, err := s.Export("nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown export format")
}

func TestKpirCSV_HeaderAndNumbering(t *testing.T) {
	s := newTestService()
	res, err := s.Export("kpir_csv", []*entity.Invoice{
		approvedInvoice("FV/1", "paliwo", 100.00, 23.00),
		approvedInvoice("FV/2", "biuro", 250.50, 57.62),
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(res.Content), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(kpirColumns, ";"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1;"))
	assert.True(t, strings.HasPrefix(lines[2], "2;"))
	assert.Equal(t, "text/csv", res.MimeType)
	assert.Equal(t, "kpir_2026-02-01.csv", res.Filename)
}

func TestBuildEntry_CategoryColumnBinding(t *testing.T) {
	tests := []struct {
		category string
		col      int
	}{
		{"paliwo", colPozostaleWydatki},
		{"wynagrodzenia", colWynagrodzenia},
		{"zakup_towarow", colZakupTowarow},
		{"koszty_uboczne", colKosztyUboczne},
		{"br_materialy", colKosztyBR},
		{"rmk", colWydatkiPrzyszle},
		{"cokolwiek", colPozostaleWydatki},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			e := BuildEntry(1, approvedInvoice("FV/1", tt.category, 100.00, 23.00))
			assert.Equal(t, 100.00, e.Amounts[tt.col])
			for col := range e.Amounts {
				assert.Equal(t, tt.col, col, "net lands in exactly one column")
			}
		})
	}
}

func TestBuildEntry_ExpenseTotal(t *testing.T) {
	e := BuildEntry(1, approvedInvoice("FV/1", "paliwo", 100.00, 23.00))
	assert.Equal(t, 100.00, e.ExpenseTotal())
	assert.Equal(t, 0.00, e.IncomeTotal())
	assert.Equal(t, 123.00, e.Meta.Gross)
}

func TestBuildEntry_KsefReference(t *testing.T) {
	inv := approvedInvoice("FV/1", "paliwo", 100, 23)
	inv.Source = entity.SourceKSeF
	inv.SourceKey = "ksef:1234567890-20260115-ABCDEF"
	e := BuildEntry(1, inv)
	assert.Equal(t, "1234567890-20260115-ABCDEF", e.KsefNumber)
}

func TestJPK_Totals(t *testing.T) {
	s := newTestService()
	res, err := s.Export("jpk_pkpir", []*entity.Invoice{
		approvedInvoice("FV/1", "paliwo", 100.00, 23.00),
		approvedInvoice("FV/2", "paliwo", 250.50, 57.62),
	})
	require.NoError(t, err)

	xml := string(res.Content)
	assert.Contains(t, xml, "<LiczbaWierszy>2</LiczbaWierszy>")
	assert.Contains(t, xml, "<SumaKosztow>350.50</SumaKosztow>")
	assert.Contains(t, xml, "<SumaPrzychodow>0.00</SumaPrzychodow>")
	assert.Contains(t, xml, "<DataWytworzeniaJPK>2026-02-01T12:00:00Z</DataWytworzeniaJPK>")
}

func TestExport_StableOutput(t *testing.T) {
	s := newTestService()
	invoices := []*entity.Invoice{approvedInvoice("FV/1", "paliwo", 100.00, 23.00)}

	for _, format := range []string{"kpir_csv", "jpk_pkpir", "optima_xml", "subiekt_epp"} {
		a, err := s.Export(format, invoices)
		require.NoError(t, err, format)
		b, err := s.Export(format, invoices)
		require.NoError(t, err, format)
		assert.True(t, bytes.Equal(a.Content, b.Content), "format %s not deterministic", format)
	}
}

func TestSubiektEPP_Windows1250(t *testing.T) {
	s := newTestService()
	inv := approvedInvoice("FV/1", "paliwo", 100.00, 23.00)
	inv.ContractorName = "Żółć Spółka z o.o."

	res, err := s.Export("subiekt_epp", []*entity.Invoice{inv})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(res.Content, []byte("[NAGLOWEK]\r\n")))
	assert.Contains(t, string(res.Content), "[DOKUMENT_1]")
	assert.NotContains(t, string(res.Content), "Żółć", "content must not be UTF-8")

	decoded, err := charmap.Windows1250.NewDecoder().Bytes(res.Content)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "Żółć Spółka z o.o.")
}

func TestSymfonia_UnencodableError(t *testing.T) {
	s := newTestService()
	inv := approvedInvoice("FV/1", "paliwo", 100.00, 23.00)
	inv.ContractorName = "株式会社"

	_, err := s.Export("symfonia", []*entity.Invoice{inv})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestOptimaXML_Escaping(t *testing.T) {
	s := newTestService()
	inv := approvedInvoice("FV/1", "paliwo", 100.00, 23.00)
	inv.ContractorName = `Bolt & "Spark" <sp. j.>`

	res, err := s.Export("optima_xml", []*entity.Invoice{inv})
	require.NoError(t, err)

	xml := string(res.Content)
	assert.Contains(t, xml, "<REJESTRY_VAT>")
	assert.Contains(t, xml, "Bolt &amp; &quot;Spark&quot; &lt;sp. j.&gt;")
	assert.Contains(t, xml, "<NETTO>100.00</NETTO>")
}

func TestKpirXLSX_FormulasAndHeader(t *testing.T) {
	s := newTestService()
	res, err := s.Export("kpir_xlsx", []*entity.Invoice{
		approvedInvoice("FV/1", "paliwo", 100.00, 23.00),
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(res.Content))
	require.NoError(t, err)
	defer f.Close()

	name, err := f.GetCellValue("Sheet1", "A1")
	require.NoError(t, err)
	assert.Equal(t, "lp", name)

	formula, err := f.GetCellFormula("Sheet1", "K2")
	require.NoError(t, err)
	assert.Equal(t, "I2+J2", formula)

	formula, err = f.GetCellFormula("Sheet1", "P2")
	require.NoError(t, err)
	assert.Equal(t, "L2+M2+N2+O2", formula)

	amount, err := f.GetCellValue("Sheet1", "O2")
	require.NoError(t, err)
	parsed, err := strconv.ParseFloat(amount, 64)
	require.NoError(t, err)
	assert.Equal(t, 100.00, parsed)
}

func TestWfirma_SchemeMapping(t *testing.T) {
	s := newTestService()
	res, err := s.Export("wfirma_wydatki", []*entity.Invoice{
		approvedInvoice("FV/1", "paliwo", 100.00, 23.00),
		approvedInvoice("FV/2", "br_materialy", 50.00, 11.50),
	})
	require.NoError(t, err)

	out := string(res.Content)
	assert.Contains(t, out, "zakup paliwa")
	assert.Contains(t, out, "koszty działalności B+R")
	assert.Contains(t, out, "100,00;23,00;123,00")
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(1))
	assert.Equal(t, "S", columnLetter(19))
	assert.Equal(t, "Z", columnLetter(26))
	assert.Equal(t, "AA", columnLetter(27))
	assert.Equal(t, "AZ", columnLetter(52))
}

func TestAmountFormatting(t *testing.T) {
	assert.Equal(t, "1230,00", amountPL(1230))
	assert.Equal(t, "0,01", amountPL(0.005))
	assert.Equal(t, "350.50", amountDot(350.5))
}

func TestCsvField_QuoteRules(t *testing.T) {
	assert.Equal(t, "plain", csvField("plain", ";"))
	assert.Equal(t, `"a;b"`, csvField("a;b", ";"))
	assert.Equal(t, `"say ""hi"""`, csvField(`say "hi"`, ";"))
	assert.Equal(t, "a,b", csvField("a,b", ";"), "other separators stay unquoted")
	assert.Equal(t, `"a,b"`, csvField("a,b", ","))
}
