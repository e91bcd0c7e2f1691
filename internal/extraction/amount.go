package extraction

import (
	"strings"

	"github.com/shopspring/decimal"
)

var amountStripper = strings.NewReplacer(",", "", " ", "", " ", "", "원", "", "₩", "")

// ParseAmount reads a money or quantity cell. Free-of-charge markers and blanks
// read as zero; anything else unparsable reports ok=false.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := amountStripper.Replace(strings.TrimSpace(raw))
	switch s {
	case "", "-", "무상":
		return decimal.Zero, true
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

func nullable(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
