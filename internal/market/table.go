package market

import (
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/shopspring/decimal"
)

type pair struct{ from, to string }

// RateTable answers rate lookups from memory during a balance walk. A lookup
// uses the latest quote dated on or before the requested day, falling back
// to the inverse pair.
type RateTable struct {
	byDate map[pair]map[civil.Date]domain.ExchangeRate
	series map[pair][]domain.ExchangeRate // sorted by date
}

// NewRateTable builds a table from rates in any order.
func NewRateTable(rates ...domain.ExchangeRate) *RateTable {
	t := &RateTable{
		byDate: make(map[pair]map[civil.Date]domain.ExchangeRate),
		series: make(map[pair][]domain.ExchangeRate),
	}
	t.Add(rates...)
	return t
}

// Add inserts rates, replacing quotes for the same pair and day. A later
// quote in rates wins over an earlier one for the same day.
func (t *RateTable) Add(rates ...domain.ExchangeRate) {
	touched := make(map[pair]struct{})
	for _, r := range rates {
		p := pair{money.NormalizeCurrency(r.From), money.NormalizeCurrency(r.To)}
		days := t.byDate[p]
		if days == nil {
			days = make(map[civil.Date]domain.ExchangeRate)
			t.byDate[p] = days
		}
		days[r.Date] = r
		touched[p] = struct{}{}
	}
	for p := range touched {
		t.series[p] = sortedByDate(t.byDate[p])
	}
}

// sortedByDate flattens a per-day index into a date-ordered slice.
func sortedByDate[T any](days map[civil.Date]T) []T {
	dates := make([]civil.Date, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	list := make([]T, len(dates))
	for i, d := range dates {
		list[i] = days[d]
	}
	return list
}

// Rate returns units of to per unit of from on date.
func (t *RateTable) Rate(from, to string, date civil.Date) (decimal.Decimal, bool) {
	from, to = money.NormalizeCurrency(from), money.NormalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	if r, ok := asOf(t.series[pair{from, to}], date); ok {
		return r.Rate, true
	}
	if r, ok := asOf(t.series[pair{to, from}], date); ok && !r.Rate.IsZero() {
		return decimal.NewFromInt(1).Div(r.Rate), true
	}
	return decimal.Zero, false
}

func asOf(list []domain.ExchangeRate, date civil.Date) (domain.ExchangeRate, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Date.After(date) })
	if i == 0 {
		return domain.ExchangeRate{}, false
	}
	return list[i-1], true
}

// PriceTable answers forward-filled price lookups from memory.
type PriceTable struct {
	byDate map[string]map[civil.Date]domain.SecurityPrice
	series map[string][]domain.SecurityPrice
}

// NewPriceTable builds a table from prices in any order.
func NewPriceTable(prices ...domain.SecurityPrice) *PriceTable {
	t := &PriceTable{
		byDate: make(map[string]map[civil.Date]domain.SecurityPrice),
		series: make(map[string][]domain.SecurityPrice),
	}
	t.Add(prices...)
	return t
}

func (t *PriceTable) Add(prices ...domain.SecurityPrice) {
	touched := make(map[string]struct{})
	for _, p := range prices {
		days := t.byDate[p.SecurityID]
		if days == nil {
			days = make(map[civil.Date]domain.SecurityPrice)
			t.byDate[p.SecurityID] = days
		}
		days[p.Date] = p
		touched[p.SecurityID] = struct{}{}
	}
	for id := range touched {
		t.series[id] = sortedByDate(t.byDate[id])
	}
}

// Price returns the latest price of securityID dated on or before date.
func (t *PriceTable) Price(securityID string, date civil.Date) (domain.SecurityPrice, bool) {
	list := t.series[securityID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Date.After(date) })
	if i == 0 {
		return domain.SecurityPrice{}, false
	}
	return list[i-1], true
}
