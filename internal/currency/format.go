package currency

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

type symbolStyle struct {
	symbol string
	space  bool // "S/ 10.00" vs "$10.00"
}

// Storefront markets. These always render with two decimals.
var marketSymbols = map[string]symbolStyle{
	"USD": {symbol: "$"},
	"PEN": {symbol: "S/", space: true},
	"BRL": {symbol: "R$", space: true},
	"MXN": {symbol: "$"},
	"COP": {symbol: "$"},
	"CLP": {symbol: "$"},
	"ARS": {symbol: "$"},
	"EUR": {symbol: "€"},
	"GBP": {symbol: "£"},
}

// Symbol returns the display symbol for code, or the code itself.
func Symbol(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if s, ok := marketSymbols[code]; ok {
		return s.symbol
	}
	return code
}

// FormatAmount renders amount in code, e.g. "S/ 1,234.50" or "$99.00".
// Storefront markets use two decimals; other ISO codes use their standard
// minor-unit scale and a code prefix. Unknown codes fall back to two decimals.
func FormatAmount(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))

	prefix := code + " "
	scale := int32(2)
	if s, ok := marketSymbols[code]; ok {
		prefix = s.symbol
		if s.space {
			prefix += " "
		}
	} else if unit, err := currency.ParseISO(code); err == nil {
		sc, _ := currency.Standard.Rounding(unit)
		scale = int32(sc)
	}

	sign := ""
	if amount.Round(scale).IsNegative() {
		sign = "-"
	}
	return sign + prefix + groupThousands(amount.Abs().StringFixed(scale))
}

// ValidCode reports whether code is a known ISO 4217 currency.
func ValidCode(code string) bool {
	_, err := currency.ParseISO(strings.TrimSpace(code))
	return err == nil
}

func groupThousands(s string) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if len(intPart) <= 3 {
		return s
	}

	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
