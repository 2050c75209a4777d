package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point, two-fractional-digit monetary amount. It never
// carries a float64 anywhere in its construction or arithmetic path; all
// values flow through decimal.Decimal, and every rounding point goes
// through RoundHalfUp rather than calling decimal's Round directly.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// NewMoney constructs a Money from an already-scaled decimal, rounding
// half-up to two places if the input carries more precision.
func NewMoney(d decimal.Decimal) Money {
	return Money{d: RoundHalfUp(d, 2)}
}

// NewMoneyFromCents builds an exact Money from an integer cents count.
func NewMoneyFromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// ParseMoney parses a decimal string (e.g. "121.00"). Returns an error for
// malformed input reachable from outside the process (documents, bank
// files, API payloads).
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustParseMoney parses a decimal string literal and panics on failure.
// Only for test fixtures and seed data, never for externally-sourced input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// RoundHalfUp rounds d to the given number of places using round-half-away-
// from-zero, the convention the spec requires at every rounding boundary
// (VAT split, depreciation, report display). decimal.Decimal's own Round
// already implements half-away-from-zero (not banker's rounding), so this
// is the single named entry point the rest of the core calls — nobody
// calls decimal.Decimal.Round directly outside this function.
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) String() string { return m.d.StringFixed(2) }

// MarshalJSON encodes Money as a plain decimal string, matching how the
// rest of the core renders amounts (entry numbers, API payloads).
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.d.StringFixed(2) + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string back into Money.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) Add(other Money) Money { return Money{d: RoundHalfUp(m.d.Add(other.d), 2)} }

func (m Money) Sub(other Money) Money { return Money{d: RoundHalfUp(m.d.Sub(other.d), 2)} }

func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

func (m Money) Abs() Money { return Money{d: m.d.Abs()} }

// MulRatePercent multiplies the amount by a percentage rate (e.g. 21.00
// means 21%) and rounds half-up to two places — the single VAT-amount
// rounding boundary the spec declares.
func (m Money) MulRatePercent(ratePercent decimal.Decimal) Money {
	return Money{d: RoundHalfUp(m.d.Mul(ratePercent).Div(decimal.NewFromInt(100)), 2)}
}

// DivRatePercentPlusOne divides the amount by (1 + rate/100), used to
// extract a base amount from a gross amount — the inverse of
// MulRatePercent, rounded half-up at the same boundary.
func (m Money) DivRatePercentPlusOne(ratePercent decimal.Decimal) Money {
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(decimal.NewFromInt(100)))
	return Money{d: RoundHalfUp(m.d.Div(divisor), 2)}
}

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

func (m Money) IsPositive() bool { return m.d.IsPositive() }

func (m Money) Equal(other Money) bool { return m.d.Equal(other.d) }

func (m Money) GreaterThan(other Money) bool { return m.d.GreaterThan(other.d) }

func (m Money) LessThanOrEqual(other Money) bool { return m.d.LessThanOrEqual(other.d) }

// WithinTolerance reports whether |m - other| <= tolerance.
func (m Money) WithinTolerance(other Money, tolerance Money) bool {
	diff := m.Sub(other).Abs()
	return diff.LessThanOrEqual(tolerance)
}

// Sum adds a slice of Money values.
func Sum(values []Money) Money {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
