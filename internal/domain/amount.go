package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountUnit names the denomination an inbound amount is expressed in.
type AmountUnit string

const (
	UnitMinor AmountUnit = "minor"
	UnitMajor AmountUnit = "major"
)

// MinorPerMajor is the number of minor units in one major unit.
const MinorPerMajor = 100

// maxExponent bounds the decimal exponent of an inbound amount. Any int64
// minor amount fits within it.
const maxExponent = 18

var (
	minorPerMajor = decimal.NewFromInt(MinorPerMajor)
	maxMinor      = decimal.NewFromInt(math.MaxInt64)
)

// ParseUnit accepts "", "minor" or "major"; empty means minor.
func ParseUnit(s string) (AmountUnit, error) {
	switch AmountUnit(strings.ToLower(strings.TrimSpace(s))) {
	case "", UnitMinor:
		return UnitMinor, nil
	case UnitMajor:
		return UnitMajor, nil
	}
	return "", fmt.Errorf("unknown amount unit %q", s)
}

// ParseAmount parses a decimal string without going through float64.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("amount is empty")
	}
	return decimal.NewFromString(raw)
}

// ToMinorUnits converts amount to minor units. Major amounts are converted
// with round(amount * 100), half away from zero. Minor amounts must already
// be integral. The result is not checked for positivity.
func ToMinorUnits(amount decimal.Decimal, unit AmountUnit) (int64, error) {
	// Rescaling a value with a large exponent allocates 10^|exp|, so the
	// exponent is bounded before any arithmetic.
	if e := amount.Exponent(); e > maxExponent || e < -maxExponent {
		return 0, fmt.Errorf("amount exponent %d out of range", e)
	}

	switch unit {
	case "", UnitMinor:
		if !amount.IsInteger() {
			return 0, fmt.Errorf("minor amount %s is not integral", amount)
		}
	case UnitMajor:
		amount = amount.Mul(minorPerMajor).Round(0)
	default:
		return 0, fmt.Errorf("unknown amount unit %q", unit)
	}

	if amount.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount out of range")
	}
	return amount.IntPart(), nil
}
