// Package money provides fixed-point amount helpers for the ROSCA engine.
// All amounts carry at most two fractional digits; deposit requirements are
// always rounded up at cent precision so that posted collateral can never
// fall below the computed bound.
package money

import (
	"github.com/shopspring/decimal"
)

var (
	// Zero is the zero amount.
	Zero = decimal.Zero

	hundred = decimal.NewFromInt(100)
)

// Cents returns the amount as an integer number of cents, the minor-unit
// denomination payment providers take. The amount must be cent-aligned; use
// CeilToCent first if it may not be.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(hundred).IntPart()
}

// CeilToCent rounds the amount up to the next cent.
func CeilToCent(d decimal.Decimal) decimal.Decimal {
	return d.Mul(hundred).Ceil().Div(hundred)
}

// IsCentAligned reports whether the amount has at most two fractional digits.
func IsCentAligned(d decimal.Decimal) bool {
	return d.Mul(hundred).IsInteger()
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// IsNegative reports whether the amount is strictly less than zero.
func IsNegative(d decimal.Decimal) bool {
	return d.Sign() < 0
}
