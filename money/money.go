// Package money converts between decimal currency amounts and the integer minor
// units used at the payment gateway boundary, and computes the commission split.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// DefaultCommissionRate applies when a seller has no configured rate.
	DefaultCommissionRate = decimal.RequireFromString("0.20")
)

// ToMinorUnits converts a decimal amount to cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a two-place decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ApplicationFee returns round(unitAmount * rate) in minor units.
func ApplicationFee(unitAmount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(unitAmount).Mul(rate).Round(0).IntPart()
}

// SellerNet returns price * (1 - rate), rounded to cents.
func SellerNet(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Sub(rate)).Round(2)
}

// ParseRate parses a commission rate and checks it lies in [0, 1].
func ParseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("money: parse rate %q: %w", raw, err)
	}
	if err := ValidateRate(rate); err != nil {
		return decimal.Decimal{}, err
	}
	return rate, nil
}

// ValidateRate rejects rates outside [0, 1].
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(one) {
		return fmt.Errorf("money: commission rate %s outside [0,1]", rate)
	}
	return nil
}

// RateOrDefault returns rate when it is set, otherwise fallback.
func RateOrDefault(rate decimal.NullDecimal, fallback decimal.Decimal) decimal.Decimal {
	if rate.Valid {
		return rate.Decimal
	}
	return fallback
}
