/*
money.go - Escrowed value in the smallest ledger unit

PURPOSE:
  Money is the amount a poster locks when creating a job. It is a
  non-negative integer count of base units (the ledger's smallest unit,
  like wei). Display units (like ether) are a formatting concern only.

INVARIANTS:
  1. Never negative. Sub that would underflow returns ErrMoneyUnderflow.
  2. Always integral in base units. Fractional base units are rejected.
  3. Immutable. Every operation returns a new value.

PRECISION:
  Backed by decimal.Decimal so amounts are not capped at 64 bits. The
  original client moved values as 18-decimal wei strings; ParseMoneyUnits
  and Format convert between display units and base units.

USAGE:
  amt, err := market.ParseMoneyUnits("0.5", market.EtherDecimals)
  fmt.Println(amt)                               // 500000000000000000
  fmt.Println(amt.Format(market.EtherDecimals))  // 0.5

SEE ALSO:
  - types.go: JobRecord.Amount
  - projection.go: EscrowSummary arithmetic
*/
package market

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of base units per display unit exponent used
// by the original marketplace (1 ether = 10^18 wei).
const EtherDecimals int32 = 18

var (
	// ErrMoneyUnderflow is returned when subtraction would go below zero.
	ErrMoneyUnderflow = errors.New("money underflow")

	// ErrNegativeMoney is returned when constructing Money from a negative value.
	ErrNegativeMoney = errors.New("money must not be negative")

	// ErrFractionalMoney is returned when a value has a fraction of a base unit.
	ErrFractionalMoney = errors.New("money must be a whole number of base units")
)

// Money is a non-negative integral amount in base units.
type Money struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{value: decimal.Zero}

// NewMoney builds Money from a base-unit count.
func NewMoney(units int64) (Money, error) {
	return fromDecimal(decimal.NewFromInt(units))
}

// MustMoney is NewMoney for constants and tests. Panics on negative input.
func MustMoney(units int64) Money {
	m, err := NewMoney(units)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMoney parses a base-unit amount such as "1500".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return fromDecimal(d)
}

// ParseMoneyUnits parses a display amount ("0.25") and scales it by
// 10^decimals into base units.
func ParseMoneyUnits(s string, decimals int32) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return fromDecimal(d.Shift(decimals))
}

func fromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, ErrNegativeMoney
	}
	if !d.Equal(d.Truncate(0)) {
		return Money{}, ErrFractionalMoney
	}
	return Money{value: d.Truncate(0)}, nil
}

func (m Money) IsZero() bool     { return m.value.IsZero() }
func (m Money) IsPositive() bool { return m.value.IsPositive() }
func (m Money) Equal(o Money) bool {
	return m.value.Equal(o.value)
}
func (m Money) Cmp(o Money) int { return m.value.Cmp(o.value) }

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{value: m.value.Add(o.value)}
}

// Sub returns m - o, or ErrMoneyUnderflow if o > m.
func (m Money) Sub(o Money) (Money, error) {
	if m.value.LessThan(o.value) {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrMoneyUnderflow, m, o)
	}
	return Money{value: m.value.Sub(o.value)}, nil
}

// String renders the base-unit count.
func (m Money) String() string { return m.value.String() }

// Format renders the amount in display units with the given exponent.
func (m Money) Format(decimals int32) string {
	return m.value.Shift(-decimals).String()
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.value.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers too.
		s = string(data)
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
