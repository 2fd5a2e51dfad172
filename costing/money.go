package costing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal arithmetic for cost values
// =============================================================================

const (
	// CurrencyScale is the number of fractional digits of the smallest
	// supported currency denomination.
	CurrencyScale int32 = 2

	// WacScale is the precision of every WAC division: currency digits plus
	// four guard digits so repeated division does not drift.
	WacScale int32 = CurrencyScale + 4
)

// MustMoney parses a decimal string and panics on error.
// Use only for constants and tests.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseMoney parses a non-negative decimal string. Empty input is zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse money %q: must not be negative", s)
	}
	return d, nil
}

// AverageCost divides value by quantity at WacScale.
// A non-positive quantity yields zero, never a division fault.
func AverageCost(value decimal.Decimal, qty int64) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return value.DivRound(decimal.NewFromInt(qty), WacScale)
}

// ExtendedCost is unitCost * qty, exact.
func ExtendedCost(unitCost decimal.Decimal, qty int64) decimal.Decimal {
	return unitCost.Mul(decimal.NewFromInt(qty))
}

// RoundMoney rounds to currency precision for display.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyScale)
}

// WithinTolerance reports |a-b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
