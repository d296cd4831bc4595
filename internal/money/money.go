// Package money holds the fixed-point helpers every amount in the service goes through.
package money

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places money is rounded to.
const Scale int32 = 2

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateCurrency checks the code is exactly 3 uppercase letters.
func ValidateCurrency(code string) error {
	if !currencyCodeRe.MatchString(code) {
		return fmt.Errorf("invalid currency code %q: must be exactly 3 uppercase letters", code)
	}
	return nil
}

// Parse reads an amount string as sent by a provider or API client.
func Parse(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d, nil
}

// Round applies the single rounding step used at per-line allocation.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// HasScale reports whether d needs no more than Scale decimal places.
func HasScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(Scale))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Positive returns d when it is above zero, otherwise zero.
func Positive(d decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return decimal.Zero
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Format renders d with exactly Scale places, for logs and provider payloads.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
