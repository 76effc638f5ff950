package domain

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// ExchangeRate is the number of To units per From unit on Date.
type ExchangeRate struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Date civil.Date      `json:"date"`
	Rate decimal.Decimal `json:"rate"`
}

// SecurityPrice is the closing price of a security on Date.
type SecurityPrice struct {
	SecurityID string          `json:"security_id"`
	Date       civil.Date      `json:"date"`
	Currency   string          `json:"currency"`
	Price      decimal.Decimal `json:"price"`
}
