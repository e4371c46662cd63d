/*
money.go - Exact contribution and payout amounts

PURPOSE:
  Money is a non-negative amount with two fractional digits (currency
  subunits). It is stored as integer minor units, so addition and
  comparison are exact. Parsing goes through decimal.Decimal so that
  inputs like "100", "100.0" and "100.00" are all the same amount.

CURRENCY:
  Money carries no currency. The Group owns the currency tag and callers
  compare it before comparing amounts.

SEE ALSO:
  - types.go: Group.ContributionAmount
  - contributions.go: exact amount match on record
*/
package rosca

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fractional digits every amount carries.
const MinorDigits = 2

// Input limits applied before any decimal arithmetic. An exponent such as
// "1e-20000000" would otherwise make rounding allocate a huge power of ten.
const (
	maxMoneyInputLen = 32
	maxMoneyExponent = 18
)

// Money is an amount in minor units (cents). The zero value is 0.00.
type Money struct {
	minor int64
}

// Zero is 0.00.
var Zero = Money{}

// NewMoneyFromMinor builds an amount from minor units. Negative input is rejected.
func NewMoneyFromMinor(minor int64) (Money, error) {
	if minor < 0 {
		return Money{}, fmt.Errorf("%w: negative amount %d", ErrInvalidAmount, minor)
	}
	return Money{minor: minor}, nil
}

// ParseMoney parses a decimal string such as "100" or "99.99".
// Malformed, negative, or over-precise input fails with ErrInvalidAmount.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if len(s) > maxMoneyInputLen {
		return Money{}, fmt.Errorf("%w: input longer than %d bytes", ErrInvalidAmount, maxMoneyInputLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if exp := d.Exponent(); exp < -maxMoneyExponent || exp > maxMoneyExponent {
		return Money{}, fmt.Errorf("%w: exponent out of range in %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d, s)
}

// MustParseMoney is ParseMoney for constants and tests. It panics on bad input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func fromDecimal(d decimal.Decimal, raw string) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, raw)
	}
	if !d.Equal(d.Round(MinorDigits)) {
		return Money{}, fmt.Errorf("%w: more than %d fractional digits in %q", ErrInvalidAmount, MinorDigits, raw)
	}
	minor := d.Shift(MinorDigits)
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(1<<62)) {
		return Money{}, fmt.Errorf("%w: out of range %q", ErrInvalidAmount, raw)
	}
	return Money{minor: minor.IntPart()}, nil
}

func (m Money) Minor() int64 { return m.minor }
func (m Money) Decimal() decimal.Decimal { return decimal.New(m.minor, -MinorDigits) }
func (m Money) Add(o Money) Money { return Money{minor: m.minor + o.minor} }
func (m Money) Equal(o Money) bool { return m.minor == o.minor }
func (m Money) LessThan(o Money) bool { return m.minor < o.minor }
func (m Money) GreaterThan(o Money) bool { return m.minor > o.minor }
func (m Money) IsZero() bool { return m.minor == 0 }
func (m Money) IsPositive() bool { return m.minor > 0 }

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int {
	switch {
	case m.minor < o.minor:
		return -1
	case m.minor > o.minor:
		return 1
	default:
		return 0
	}
}

// Sum adds amounts in order.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// String renders the amount with exactly two fractional digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorDigits)
}

// MarshalJSON encodes the amount as a string ("100.00"), matching the
// decimal(10,2) columns the REST clients already read.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
