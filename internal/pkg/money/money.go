package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every amount (centavos).
const Scale = 2

var ErrTooPrecise = errors.New("amount has more than two fractional digits")

// Money is an amount in minor units. All arithmetic on installments happens
// on this integer representation, never on floats.
type Money int64

// FromDecimal converts a decimal amount (e.g. 33.33) into minor units.
func FromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	return Money(shifted.IntPart()), nil
}

// Parse reads a decimal string like "100", "100.5" or "100.50".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Scale)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(Scale)
}

// MarshalJSON renders a JSON number with two fractional digits.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Percent returns part/total*100 rounded half-up to two decimals, or 0 when
// total is zero.
func Percent(part, total Money) float64 {
	if total == 0 {
		return 0
	}
	p := part.Decimal().Div(total.Decimal()).Mul(decimal.NewFromInt(100)).Round(2)
	f, _ := p.Float64()
	return f
}
