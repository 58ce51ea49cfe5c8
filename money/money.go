// Package money converts between user-entered decimal amounts and the
// integer minor units stored in the ledger.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount signals an unparseable or non-positive amount.
	ErrInvalidAmount = errors.New("money: amount must be a positive number")
	// ErrTooPrecise signals more than two fractional digits.
	ErrTooPrecise = errors.New("money: at most two decimal places allowed")
)

const minorDigits = 2

// ParseMinor parses "150.50" into 15050 minor units.
func ParseMinor(s string) (int64, error) {
	return parse(s, false)
}

// ParseShare is ParseMinor that also accepts zero, for one-sided splits.
func ParseShare(s string) (int64, error) {
	return parse(s, true)
}

func parse(s string, allowZero bool) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.IsNegative() || (d.IsZero() && !allowZero) {
		return 0, ErrInvalidAmount
	}
	minor := d.Shift(minorDigits)
	if !minor.IsInteger() {
		return 0, ErrTooPrecise
	}
	return minor.IntPart(), nil
}

// Format renders minor units with the currency code, e.g. "150.50 USD".
func Format(minor int64, currency string) string {
	return fmt.Sprintf("%s %s", decimal.New(minor, -minorDigits).StringFixed(minorDigits), strings.ToUpper(currency))
}

// Percent returns pct percent of minor, rounded half-up to a whole minor unit.
func Percent(minor int64, pct float64) int64 {
	if pct <= 0 || minor <= 0 {
		return 0
	}
	return decimal.NewFromInt(minor).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
