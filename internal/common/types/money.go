package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Common currency codes
const (
	// CurrencyEUR is the ISO 4217 code for Euro.
	CurrencyEUR = "EUR"
	// CurrencyUSD is the ISO 4217 code for US Dollar.
	CurrencyUSD = "USD"
	// CurrencyGBP is the ISO 4217 code for British Pound.
	CurrencyGBP = "GBP"
)

// Money is a monetary amount with currency. All ledger arithmetic runs
// on decimal.Decimal; floats never touch the money path.
type Money struct {
	Amount   decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// NewMoney creates a new Money instance.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// NewMoneyFromString creates Money from a string amount.
func NewMoneyFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return NewMoney(d, currency), nil
}

// Add adds two Money values. Returns error if currencies don't match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, errors.New("cannot add money with different currencies")
	}
	return NewMoney(m.Amount.Add(other.Amount), m.Currency), nil
}

// Subtract subtracts other from m. Returns error if currencies don't match.
func (m Money) Subtract(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, errors.New("cannot subtract money with different currencies")
	}
	return NewMoney(m.Amount.Sub(other.Amount), m.Currency), nil
}

// IsPositive returns true if amount > 0.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsZero returns true if amount == 0.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// GreaterThanOrEqual returns true if m >= other.
func (m Money) GreaterThanOrEqual(other Money) bool {
	return m.Currency == other.Currency && m.Amount.GreaterThanOrEqual(other.Amount)
}

// Equal returns true if both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// ScaleWithin reports whether the amount carries no more than maxScale
// digits after the decimal point (e.g. 10.00001 has scale 5).
func (m Money) ScaleWithin(maxScale int32) bool {
	return -m.Amount.Exponent() <= maxScale
}

// String renders the amount at the ledger's fixed scale of 4.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(4), m.Currency)
}
