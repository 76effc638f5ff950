// Package money holds the monetary helpers shared by the ledger: currency
// precision, rounding and display formatting on top of decimal amounts.
package money

import (
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultPrecision is used for currencies go-money does not know about.
const DefaultPrecision = 2

// Amount is a decimal value tagged with an ISO 4217 currency code.
type Amount struct {
	Value    decimal.Decimal
	Currency string
}

// New returns an Amount for the given value and currency.
func New(value decimal.Decimal, currency string) Amount {
	return Amount{Value: value, Currency: NormalizeCurrency(currency)}
}

// Zero returns the zero amount in currency.
func Zero(currency string) Amount {
	return New(decimal.Zero, currency)
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsKnownCurrency reports whether code is an ISO currency go-money knows.
func IsKnownCurrency(code string) bool {
	return gomoney.GetCurrency(NormalizeCurrency(code)) != nil
}

// Precision returns the number of minor-unit digits for currency.
func Precision(currency string) int32 {
	cur := gomoney.GetCurrency(NormalizeCurrency(currency))
	if cur == nil {
		return DefaultPrecision
	}
	return int32(cur.Fraction)
}

// Round rounds v half away from zero to the precision of currency.
func Round(v decimal.Decimal, currency string) decimal.Decimal {
	return v.Round(Precision(currency))
}

// Rounded returns a rounded to its currency precision.
func (a Amount) Rounded() Amount {
	return Amount{Value: Round(a.Value, a.Currency), Currency: a.Currency}
}

// Convert returns a expressed in currency to using rate (units of to per unit of a).
func (a Amount) Convert(to string, rate decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(rate), Currency: NormalizeCurrency(to)}
}

// String formats the amount with the currency symbol, e.g. "$1,234.50".
func (a Amount) String() string {
	cur := gomoney.GetCurrency(a.Currency)
	if cur == nil {
		return fmt.Sprintf("%s %s", a.Value.StringFixed(DefaultPrecision), a.Currency)
	}
	minor := a.Value.Shift(int32(cur.Fraction)).Round(0)
	return gomoney.New(minor.IntPart(), cur.Code).Display()
}
