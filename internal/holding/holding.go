// Package holding derives daily security positions from an account's trades.
package holding

import (
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// PriceLookup returns the latest known price on or before a date.
type PriceLookup interface {
	Price(securityID string, date civil.Date) (domain.SecurityPrice, bool)
}

// Input is everything needed to compute holdings for one account.
type Input struct {
	AccountID  string
	Entries    []domain.Entry
	Securities map[string]domain.Security
	Prices     PriceLookup
	End        civil.Date
}

type tradeDay struct {
	qty       decimal.Decimal
	lastPrice decimal.Decimal
	currency  string
}

// Compute returns one holding per (security, day) from each security's first
// trade through End with quantities carried forward. A position that closes
// emits a zero row on the closing day and nothing afterwards until it reopens.
// Every row is validated; an oversold position is an integrity error.
func Compute(in Input) ([]domain.Holding, error) {
	trades := make(map[string]map[civil.Date]*tradeDay)
	first := make(map[string]civil.Date)

	for _, e := range in.Entries {
		t, ok := e.Entryable.(domain.Trade)
		if !ok || e.Date.After(in.End) {
			continue
		}
		if sec, known := in.Securities[t.SecurityID]; known && sec.Cash {
			continue
		}
		days := trades[t.SecurityID]
		if days == nil {
			days = make(map[civil.Date]*tradeDay)
			trades[t.SecurityID] = days
		}
		td := days[e.Date]
		if td == nil {
			td = &tradeDay{}
			days[e.Date] = td
		}
		td.qty = td.qty.Add(t.Qty)
		td.lastPrice = t.Price
		td.currency = t.Currency
		if f, seen := first[t.SecurityID]; !seen || e.Date.Before(f) {
			first[t.SecurityID] = e.Date
		}
	}

	ids := make([]string, 0, len(trades))
	for id := range trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []domain.Holding
	for _, id := range ids {
		rows, err := walk(in, id, first[id], trades[id])
		if err != nil {
			return nil, err
		}
		result = append(result, rows...)
	}

	if err := domain.ValidateHoldings(result); err != nil {
		return nil, fmt.Errorf("Compute: %w", err)
	}
	return result, nil
}

func walk(in Input, securityID string, start civil.Date, days map[civil.Date]*tradeDay) ([]domain.Holding, error) {
	currency := money.NormalizeCurrency(in.Securities[securityID].Currency)

	var (
		rows      []domain.Holding
		qty       decimal.Decimal
		lastTrade decimal.Decimal
		open      bool
	)
	for d := start; !d.After(in.End); d = d.AddDays(1) {
		if td, ok := days[d]; ok {
			qty = qty.Add(td.qty)
			lastTrade = td.lastPrice
			if currency == "" {
				currency = money.NormalizeCurrency(td.currency)
			}
			if qty.IsNegative() {
				return nil, &domain.ValidationError{
					Entity: "holding",
					ID:     fmt.Sprintf("%s/%s@%s", in.AccountID, securityID, d),
					Err:    domain.ErrNegativeHolding,
					Detail: fmt.Sprintf("quantity %s after trades", qty),
				}
			}
			open = true
		}
		if !open {
			continue
		}

		price := lastTrade
		if in.Prices != nil {
			if p, ok := in.Prices.Price(securityID, d); ok {
				price = p.Price
			}
		}
		rows = append(rows, domain.NewHolding(in.AccountID, securityID, d, qty, price, currency))

		if qty.IsZero() {
			open = false
		}
	}
	return rows, nil
}

// ValueByDate sums holding amounts per day, converting each into currency
// with convert. Holdings that cannot be converted are reported in skipped.
func ValueByDate(holdings []domain.Holding, currency string, convert func(from string, date civil.Date) (decimal.Decimal, bool)) (values map[civil.Date]decimal.Decimal, skipped []domain.Holding) {
	values = make(map[civil.Date]decimal.Decimal)
	for _, h := range holdings {
		amount := h.Amount
		if money.NormalizeCurrency(h.Currency) != money.NormalizeCurrency(currency) {
			rate, ok := convert(h.Currency, h.Date)
			if !ok {
				skipped = append(skipped, h)
				continue
			}
			amount = money.New(amount, h.Currency).Convert(currency, rate).Rounded().Value
		}
		values[h.Date] = values[h.Date].Add(amount)
	}
	return values, skipped
}
