// Package report reads persisted balances for display. It never computes
// balances itself; what a sync has not written is not reported.
package report

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/shopspring/decimal"
)

// Source is the slice of the store the reports read.
type Source interface {
	store.FamilyRepository
	store.AccountRepository
	store.BalanceRepository
}

// Reporter builds reports from stored rows.
type Reporter struct {
	src Source
}

// New returns a Reporter over src.
func New(src Source) *Reporter {
	return &Reporter{src: src}
}

// AccountHistory is the daily balance series of one account in one currency.
type AccountHistory struct {
	AccountID string               `json:"account_id"`
	Currency  string               `json:"currency"`
	Entries   []domain.BalanceView `json:"entries"`
}

// AccountHistory returns stored rows in [start, end]. An empty currency means
// the account's own currency.
func (r *Reporter) AccountHistory(ctx context.Context, accountID, currency string, start, end civil.Date) (*AccountHistory, error) {
	acct, err := r.src.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("AccountHistory: %w", err)
	}
	if currency == "" {
		currency = acct.Currency
	}
	currency = money.NormalizeCurrency(currency)

	rows, err := r.src.ListBalances(ctx, accountID, currency, start, end)
	if err != nil {
		return nil, fmt.Errorf("AccountHistory: list balances: %w", err)
	}

	report := &AccountHistory{AccountID: accountID, Currency: currency, Entries: make([]domain.BalanceView, 0, len(rows))}
	for _, b := range rows {
		report.Entries = append(report.Entries, b.View())
	}
	return report, nil
}

// NetWorthPoint is a family's position at the end of one day.
type NetWorthPoint struct {
	Date        civil.Date      `json:"date"`
	Assets      decimal.Decimal `json:"assets"`
	Liabilities decimal.Decimal `json:"liabilities"`
	NetWorth    decimal.Decimal `json:"net_worth"`
}

// NetWorthReport is assets minus liabilities per day in the family currency.
type NetWorthReport struct {
	FamilyID string          `json:"family_id"`
	Currency string          `json:"currency"`
	Points   []NetWorthPoint `json:"points"`
	// Incomplete lists accounts with no stored row in the family currency
	// in the range, typically foreign accounts still missing rates, and
	// accounts that fail validation.
	Incomplete []string `json:"incomplete,omitempty"`
}

// NetWorth sums every account's end balance per day. A day without a row
// for an account reuses that account's latest earlier row in the range.
func (r *Reporter) NetWorth(ctx context.Context, familyID string, start, end civil.Date) (*NetWorthReport, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("NetWorth: end %s before start %s", end, start)
	}
	fam, err := r.src.GetFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("NetWorth: %w", err)
	}
	accounts, err := r.src.ListAccounts(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("NetWorth: list accounts: %w", err)
	}
	currency := money.NormalizeCurrency(fam.Currency)

	report := &NetWorthReport{FamilyID: familyID, Currency: currency}
	assets := make(map[civil.Date]decimal.Decimal)
	liabilities := make(map[civil.Date]decimal.Decimal)

	for _, a := range accounts {
		if a.Validate() != nil {
			report.Incomplete = append(report.Incomplete, a.ID)
			continue
		}
		rows, err := r.src.ListBalances(ctx, a.ID, currency, start, end)
		if err != nil {
			return nil, fmt.Errorf("NetWorth: list balances of %s: %w", a.ID, err)
		}
		if len(rows) == 0 {
			report.Incomplete = append(report.Incomplete, a.ID)
			continue
		}

		totals := assets
		if a.Kind.Classification() == domain.Liability {
			totals = liabilities
		}
		i := 0
		var last *domain.Balance
		for d := start; !d.After(end); d = d.AddDays(1) {
			for i < len(rows) && !rows[i].Date.After(d) {
				last = &rows[i]
				i++
			}
			if last != nil {
				totals[d] = totals[d].Add(last.EndBalance())
			}
		}
	}

	for d := start; !d.After(end); d = d.AddDays(1) {
		p := NetWorthPoint{Date: d, Assets: assets[d], Liabilities: liabilities[d]}
		p.NetWorth = p.Assets.Sub(p.Liabilities)
		report.Points = append(report.Points, p)
	}
	sort.Strings(report.Incomplete)
	return report, nil
}

// Latest returns the last point, or false for an empty report.
func (r *NetWorthReport) Latest() (NetWorthPoint, bool) {
	if len(r.Points) == 0 {
		return NetWorthPoint{}, false
	}
	return r.Points[len(r.Points)-1], true
}

// Display formats the latest net worth with the currency's symbol.
func (r *NetWorthReport) Display() string {
	p, ok := r.Latest()
	if !ok {
		return money.Zero(r.Currency).String()
	}
	return money.New(p.NetWorth, r.Currency).String()
}
