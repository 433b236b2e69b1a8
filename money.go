package main

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencySymbol enumerates the fixed set of currencies the ledger
// understands. This system has no notion of pluggable assets, so the
// enum is closed.
type CurrencySymbol string

const (
	CurrencyUSD  CurrencySymbol = "USD"
	CurrencyREEF CurrencySymbol = "REEF"
	CurrencyETH  CurrencySymbol = "ETH"
)

func (c CurrencySymbol) Valid() bool {
	switch c {
	case CurrencyUSD, CurrencyREEF, CurrencyETH:
		return true
	default:
		return false
	}
}

// Money is a fixed-point, integer-valued amount in the smallest unit
// of a currency (e.g. USD cents). It is backed by decimal.Decimal so
// that arithmetic never touches float64, and every Money value
// constructed through this package is constrained to be integral:
// amounts are integer minor units end to end.
type Money struct {
	d decimal.Decimal
}

// NewMoney builds a Money from an integer count of minor units.
func NewMoney(minorUnits int64) Money {
	return Money{d: decimal.NewFromInt(minorUnits)}
}

// ZeroMoney is the additive identity.
var ZeroMoney = Money{d: decimal.Zero}

// ParseMoney parses a decimal-string minor-unit amount (as received over
// the wire) and rejects non-integer values. The sign is not checked:
// negative values parse, and transfer rejects non-positive amounts.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, newValidationFail("amount", "not a valid integer amount")
	}
	if !d.IsInteger() {
		return Money{}, newValidationFail("amount", "amount must be an integer number of minor units")
	}
	return Money{d: d}, nil
}

func (m Money) Add(other Money) Money { return Money{d: m.d.Add(other.d)} }
func (m Money) Sub(other Money) Money { return Money{d: m.d.Sub(other.d)} }
func (m Money) Neg() Money            { return Money{d: m.d.Neg()} }
func (m Money) IsPositive() bool      { return m.d.IsPositive() }
func (m Money) IsNegative() bool      { return m.d.IsNegative() }
func (m Money) IsZero() bool          { return m.d.IsZero() }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) Equal(o Money) bool    { return m.d.Equal(o.d) }
func (m Money) String() string        { return m.d.String() }
func (m Money) Decimal() decimal.Decimal { return m.d }

// Int64 returns the minor-unit count. Callers must only use this after
// confirming the value originated from an integral source (always true
// for values that flow through NewMoney/ParseMoney).
func (m Money) Int64() int64 { return m.d.IntPart() }

// Split divides m into n equal integer shares with any remainder (from
// integer-truncated division) assigned to the first recipient, the
// rule task payouts use: base share floor(B/n), remainder to the
// earliest-joined delivered participant.
func (m Money) Split(n int) (share Money, remainder Money) {
	if n <= 0 {
		return ZeroMoney, m
	}
	total := m.Int64()
	base := total / int64(n)
	rem := total % int64(n)
	return NewMoney(base), NewMoney(rem)
}

// Value implements driver.Valuer so gorm persists Money as a
// varchar(78) column, never as a SQL numeric/float type.
func (m Money) Value() (driver.Value, error) {
	return m.d.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(value any) error {
	if value == nil {
		m.d = decimal.Zero
		return nil
	}
	switch v := value.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		m.d = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		m.d = d
		return nil
	default:
		return fmt.Errorf("unsupported Money scan type %T", value)
	}
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// GormDataType tells gorm how to size the backing column.
func (Money) GormDataType() string {
	return "varchar(78)"
}
