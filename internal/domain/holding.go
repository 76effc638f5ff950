package domain

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// Security is a tradable instrument. Cash marks the synthetic cash position,
// which never appears as a Holding.
type Security struct {
	ID                   string `json:"id"`
	Ticker               string `json:"ticker"`
	Name                 string `json:"name"`
	ExchangeOperatingMIC string `json:"exchange_operating_mic,omitempty"`
	Currency             string `json:"currency"`
	Cash                 bool   `json:"cash"`
}

// Holding is the position in one security at the end of one day.
type Holding struct {
	AccountID  string          `json:"account_id"`
	SecurityID string          `json:"security_id"`
	Date       civil.Date      `json:"date"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// NewHolding computes the amount from qty and price.
func NewHolding(accountID, securityID string, date civil.Date, qty, price decimal.Decimal, currency string) Holding {
	return Holding{
		AccountID:  accountID,
		SecurityID: securityID,
		Date:       date,
		Qty:        qty,
		Price:      price,
		Amount:     money.Round(qty.Mul(price), currency),
		Currency:   currency,
	}
}

// Validate enforces amount == round(qty*price) and non-negative values.
func (h Holding) Validate() error {
	id := fmt.Sprintf("%s/%s@%s", h.AccountID, h.SecurityID, h.Date)
	if h.Qty.IsNegative() || h.Price.IsNegative() || h.Amount.IsNegative() {
		return &ValidationError{Entity: "holding", ID: id, Err: ErrNegativeHolding,
			Detail: fmt.Sprintf("qty=%s price=%s amount=%s", h.Qty, h.Price, h.Amount)}
	}
	want := money.Round(h.Qty.Mul(h.Price), h.Currency)
	if !h.Amount.Equal(want) {
		return &ValidationError{Entity: "holding", ID: id, Err: ErrHoldingAmountMismatch,
			Detail: fmt.Sprintf("amount=%s want=%s", h.Amount, want)}
	}
	return nil
}

// HoldingKey is the natural key of a holding row.
type HoldingKey struct {
	AccountID  string
	SecurityID string
	Date       civil.Date
	Currency   string
}

func (h Holding) Key() HoldingKey {
	return HoldingKey{AccountID: h.AccountID, SecurityID: h.SecurityID, Date: h.Date, Currency: h.Currency}
}

// ValidateHoldings validates every row and rejects duplicate keys.
func ValidateHoldings(holdings []Holding) error {
	seen := make(map[HoldingKey]struct{}, len(holdings))
	for _, h := range holdings {
		if err := h.Validate(); err != nil {
			return err
		}
		if _, dup := seen[h.Key()]; dup {
			return &ValidationError{Entity: "holding", ID: h.SecurityID, Err: fmt.Errorf("duplicate row for %s", h.Date)}
		}
		seen[h.Key()] = struct{}{}
	}
	return nil
}
