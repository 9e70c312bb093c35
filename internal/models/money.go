package models

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Money is an amount in integer minor units (cents for USD) tagged with its currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney builds a Money value from minor units.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }
func (m Money) Neg() Money       { return Money{Amount: -m.Amount, Currency: m.Currency} }

// Add sums two values of the same currency. An empty currency is treated as
// compatible with any other.
func (m Money) Add(n Money) (Money, error) {
	cur, err := sameCurrency(m, n)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + n.Amount, Currency: cur}, nil
}

// Sub subtracts n from m.
func (m Money) Sub(n Money) (Money, error) {
	return m.Add(n.Neg())
}

// Decimal returns the value in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -int32(CurrencyFraction(m.Currency)))
}

// String renders the amount with the currency's symbol and grouping.
func (m Money) String() string {
	if m.Currency == "" {
		return m.Decimal().StringFixed(2)
	}
	return money.New(m.Amount, m.Currency).Display()
}

// CurrencyFraction reports the number of minor-unit digits for a currency code,
// defaulting to 2 when the code is unknown.
func CurrencyFraction(code string) int {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if cur == nil {
		return 2
	}
	return cur.Fraction
}

// ParseMoney parses a major-unit decimal string ("1250.00") into minor units.
// Amounts with more precision than the currency allows are rejected.
func ParseMoney(raw string, currency string) (Money, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Money{}, NewValidation(fmt.Sprintf("invalid amount %q", raw))
	}
	return MoneyFromDecimal(value, currency)
}

// MoneyFromDecimal converts a major-unit decimal into minor units.
func MoneyFromDecimal(value decimal.Decimal, currency string) (Money, error) {
	minor := value.Shift(int32(CurrencyFraction(currency)))
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, NewValidation(fmt.Sprintf("amount %s exceeds %s precision", value.String(), currency))
	}
	return NewMoney(minor.IntPart(), currency), nil
}

func sameCurrency(a, b Money) (string, error) {
	switch {
	case a.Currency == "":
		return b.Currency, nil
	case b.Currency == "":
		return a.Currency, nil
	case a.Currency != b.Currency:
		return "", NewValidation(fmt.Sprintf("currency mismatch %s != %s", a.Currency, b.Currency))
	}
	return a.Currency, nil
}
