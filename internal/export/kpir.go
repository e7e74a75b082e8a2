package export

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// kpirRow renders the 19 cells of one entry as strings for CSV targets.
// Zero amount columns stay empty; the totals (11, 16) are derived.
func kpirRow(e *Entry) []string {
	row := make([]string, len(kpirColumns))
	row[colLp-1] = strconv.Itoa(e.Lp)
	row[colDataZdarzenia-1] = e.Date
	row[colNrKsef-1] = e.KsefNumber
	row[colNrDowodu-1] = e.DocNumber
	row[colNipKontrahenta-1] = e.Nip
	row[colNazwaKontrahenta-1] = e.Name
	row[colAdresKontrahenta-1] = e.Address
	row[colOpis-1] = e.Description
	row[colUwagi-1] = e.Remarks

	for col, v := range e.Amounts {
		row[col-1] = amountPL(v)
	}
	if t := e.IncomeTotal(); t != 0 {
		row[colRazemPrzychod-1] = amountPL(t)
	}
	if t := e.ExpenseTotal(); t != 0 {
		row[colRazemWydatki-1] = amountPL(t)
	}
	return row
}

func (s *Service) writeKpirCSV(entries []*Entry) (*Result, error) {
	var b strings.Builder
	b.WriteString(csvLine(kpirColumns, ";"))
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(csvLine(kpirRow(e), ";"))
		b.WriteByte('\n')
	}
	return &Result{
		Content:  []byte(b.String()),
		Filename: s.stamp("kpir", "csv"),
		MimeType: "text/csv",
	}, nil
}

func (s *Service) writeKpirXLSX(entries []*Entry) (*Result, error) {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	for i, name := range kpirColumns {
		cell := columnLetter(i+1) + "1"
		if err := f.SetCellStr(sheet, cell, name); err != nil {
			return nil, err
		}
	}

	for i, e := range entries {
		rowNum := i + 2
		row := kpirRow(e)
		for colIdx := range kpirColumns {
			col := colIdx + 1
			cell := columnLetter(col) + strconv.Itoa(rowNum)
			switch col {
			case colLp:
				if err := f.SetCellInt(sheet, cell, e.Lp); err != nil {
					return nil, err
				}
			case colRazemPrzychod:
				formula := fmt.Sprintf("I%d+J%d", rowNum, rowNum)
				if err := f.SetCellFormula(sheet, cell, formula); err != nil {
					return nil, err
				}
			case colRazemWydatki:
				formula := fmt.Sprintf("L%d+M%d+N%d+O%d", rowNum, rowNum, rowNum, rowNum)
				if err := f.SetCellFormula(sheet, cell, formula); err != nil {
					return nil, err
				}
			default:
				if v, ok := e.Amounts[col]; ok {
					if err := f.SetCellFloat(sheet, cell, round2(v), 2, 64); err != nil {
						return nil, err
					}
				} else if row[colIdx] != "" {
					if err := f.SetCellStr(sheet, cell, row[colIdx]); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return &Result{
		Content:  buf.Bytes(),
		Filename: s.stamp("kpir", "xlsx"),
		MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}, nil
}
