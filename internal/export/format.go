package export

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ErrUnencodable reports characters that cannot be represented in the target
// single-byte encoding. The writer must fail rather than silently emit UTF-8
// that the accounting software would mangle.
var ErrUnencodable = fmt.Errorf("content not representable in Windows-1250")

// round2 rounds half away from zero to 2 decimals.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// amountPL renders an amount with the Polish decimal comma (CSV dialects).
func amountPL(x float64) string {
	return strings.Replace(strconv.FormatFloat(round2(x), 'f', 2, 64), ".", ",", 1)
}

// amountDot renders an amount with a dot separator (XML and JSON targets).
func amountDot(x float64) string {
	return strconv.FormatFloat(round2(x), 'f', 2, 64)
}

// csvField quotes a field iff it contains the separator, a quote, or a line
// break. Inner quotes are doubled.
func csvField(v, sep string) string {
	if strings.ContainsAny(v, sep+"\"\n\r") {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return v
}

// csvLine joins fields with the separator, quoting where required.
func csvLine(fields []string, sep string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = csvField(f, sep)
	}
	return strings.Join(quoted, sep)
}

// xmlEscape escapes the five XML special characters.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(v string) string {
	return xmlEscaper.Replace(v)
}

// toWindows1250 transcodes UTF-8 text to Windows-1250 bytes. Unencodable
// runes surface ErrUnencodable rather than a silent fallback.
func toWindows1250(s string) ([]byte, error) {
	out, err := charmap.Windows1250.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return out, nil
}

// columnLetter converts a 1-based column index to its spreadsheet letter
// (A..Z, AA..AZ, ...).
func columnLetter(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
