package alert

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// compactSteps maps magnitude thresholds to suffixes, largest first.
var compactSteps = []struct {
	limit  decimal.Decimal
	suffix string
}{
	{decimal.New(1, 12), "T"},
	{decimal.New(1, 9), "B"},
	{decimal.New(1, 6), "M"},
	{decimal.New(1, 3), "K"},
}

// FormatNumber renders a value with thousands separators and two decimal
// places, e.g. 1234567.891 -> "1,234,567.89".
func FormatNumber(v decimal.Decimal) string {
	s := v.StringFixed(2)

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	b.WriteByte('.')
	b.WriteString(fracPart)
	return b.String()
}

// FormatCurrency renders a USD amount, e.g. "$1,234,567.89".
func FormatCurrency(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + FormatNumber(v.Neg())
	}
	return "$" + FormatNumber(v)
}

// FormatCurrencyCompact renders a USD amount with a magnitude suffix,
// e.g. "$5.20M", "$1.50B". Values under a thousand fall back to the full
// form.
func FormatCurrencyCompact(v decimal.Decimal) string {
	sign := ""
	abs := v.Abs()
	if v.IsNegative() {
		sign = "-"
	}
	for _, step := range compactSteps {
		if abs.GreaterThanOrEqual(step.limit) {
			scaled := abs.Div(step.limit)
			return fmt.Sprintf("%s$%s%s", sign, scaled.StringFixed(2), step.suffix)
		}
	}
	return FormatCurrency(v)
}

// BuildFuturesURL returns the exchange's futures trading page for a symbol,
// e.g. "https://www.binance.com/en/futures/BTCUSDT".
func BuildFuturesURL(symbol string) string {
	return "https://www.binance.com/en/futures/" + strings.ToUpper(symbol)
}
