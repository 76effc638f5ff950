// Package requirement works out which exchange rates and security prices a
// sync needs before balances can be computed.
package requirement

import (
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/money"
)

// RateRequirement asks for the From->To rate on Date.
type RateRequirement struct {
	Date civil.Date
	From string
	To   string
}

// PriceRequirement asks for daily prices of SecurityIDs over [StartDate, EndDate].
type PriceRequirement struct {
	StartDate   civil.Date
	EndDate     civil.Date
	SecurityIDs []string
}

// Requirements is the market data a sync depends on.
type Requirements struct {
	Rates  []RateRequirement
	Prices []PriceRequirement
}

// Empty reports whether nothing needs to be fetched.
func (r Requirements) Empty() bool {
	return len(r.Rates) == 0 && len(r.Prices) == 0
}

// Input describes one account sync window.
type Input struct {
	Account        domain.Account
	Entries        []domain.Entry
	Securities     map[string]domain.Security
	FamilyCurrency string
	Start          civil.Date
	End            civil.Date
}

// Compute is pure: it performs no lookups and never calls a provider.
func Compute(in Input) Requirements {
	var reqs Requirements
	accountCur := money.NormalizeCurrency(in.Account.Currency)
	rates := make(map[RateRequirement]struct{})

	if in.Account.IsForeign(in.FamilyCurrency) {
		family := money.NormalizeCurrency(in.FamilyCurrency)
		for d := in.Start; !d.After(in.End); d = d.AddDays(1) {
			rates[RateRequirement{Date: d, From: accountCur, To: family}] = struct{}{}
		}
	}

	for _, e := range in.Entries {
		cur := money.NormalizeCurrency(e.Currency)
		if cur == accountCur || e.Date.Before(in.Start) || e.Date.After(in.End) {
			continue
		}
		rates[RateRequirement{Date: e.Date, From: cur, To: accountCur}] = struct{}{}
	}

	if in.Account.Kind.BalanceType() == domain.InvestmentBalance {
		if pr, ok := priceRequirement(in); ok {
			reqs.Prices = append(reqs.Prices, pr)
			for _, id := range pr.SecurityIDs {
				secCur := money.NormalizeCurrency(in.Securities[id].Currency)
				if secCur == "" || secCur == accountCur {
					continue
				}
				for d := pr.StartDate; !d.After(pr.EndDate); d = d.AddDays(1) {
					rates[RateRequirement{Date: d, From: secCur, To: accountCur}] = struct{}{}
				}
			}
		}
	}

	for r := range rates {
		reqs.Rates = append(reqs.Rates, r)
	}
	sort.Slice(reqs.Rates, func(i, j int) bool {
		a, b := reqs.Rates[i], reqs.Rates[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return reqs
}

// priceRequirement covers every traded non-cash security from the first
// trade through the window end.
func priceRequirement(in Input) (PriceRequirement, bool) {
	var first civil.Date
	seen := make(map[string]struct{})
	for _, e := range in.Entries {
		trade, ok := e.Entryable.(domain.Trade)
		if !ok || e.Date.After(in.End) {
			continue
		}
		if sec, known := in.Securities[trade.SecurityID]; known && sec.Cash {
			continue
		}
		if len(seen) == 0 || e.Date.Before(first) {
			first = e.Date
		}
		seen[trade.SecurityID] = struct{}{}
	}
	if len(seen) == 0 {
		return PriceRequirement{}, false
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return PriceRequirement{StartDate: first, EndDate: in.End, SecurityIDs: ids}, true
}
