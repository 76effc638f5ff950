// Package market resolves exchange rates and security prices, reading the
// cache first and filling misses from a provider. Resolvers never fail on
// provider errors; missing data is reported back to the caller instead.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/dvloznov/finance-ledger/internal/requirement"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds concurrent provider series fetches.
const fetchConcurrency = 4

// RateResolver finds exchange rates.
type RateResolver struct {
	cache    store.RateRepository
	provider provider.ExchangeRateProvider
	policy   provider.Policy
}

// NewRateResolver returns a resolver. p may be nil, in which case only the
// cache is consulted.
func NewRateResolver(cache store.RateRepository, p provider.ExchangeRateProvider, policy provider.Policy) *RateResolver {
	return &RateResolver{cache: cache, provider: p, policy: policy}
}

// FindRate returns the from->to rate on date. Same-currency pairs are 1.
// ok is false when neither the cache nor the provider has the rate.
func (r *RateResolver) FindRate(ctx context.Context, from, to string, date civil.Date) (rate decimal.Decimal, ok bool) {
	from, to = money.NormalizeCurrency(from), money.NormalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	log := logger.FromContext(ctx)

	if cached, err := r.cache.GetRate(ctx, from, to, date); err == nil {
		return cached.Rate, true
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("pair", from+to).Msg("Rate cache read failed")
	}
	if inverse, err := r.cache.GetRate(ctx, to, from, date); err == nil && !inverse.Rate.IsZero() {
		return decimal.NewFromInt(1).Div(inverse.Rate), true
	}

	if r.provider == nil {
		return decimal.Zero, false
	}
	resp := provider.Call(ctx, r.policy, "FetchExchangeRate", func(ctx context.Context) provider.Response[provider.Rate] {
		return r.provider.FetchExchangeRate(ctx, from, to, date)
	})
	if !resp.Success() {
		log.Warn().Err(resp.Err).Str("pair", from+to).Str("date", date.String()).Msg("Exchange rate unavailable")
		return decimal.Zero, false
	}

	fetched := domain.ExchangeRate{From: from, To: to, Date: date, Rate: resp.Data.Rate}
	if err := r.cache.UpsertRates(ctx, []domain.ExchangeRate{fetched}); err != nil {
		log.Warn().Err(err).Msg("Rate cache write failed")
	}
	return fetched.Rate, true
}

// FindRates returns the cached from->to series in [start, end], first
// fetching the missing span from the provider in a single call.
func (r *RateResolver) FindRates(ctx context.Context, from, to string, start, end civil.Date) []domain.ExchangeRate {
	from, to = money.NormalizeCurrency(from), money.NormalizeCurrency(to)
	log := logger.FromContext(ctx)

	cached, err := r.cache.ListRates(ctx, from, to, start, end)
	if err != nil {
		log.Warn().Err(err).Str("pair", from+to).Msg("Rate cache read failed")
	}
	missingStart, missingEnd, missing := missingSpan(start, end, func(d civil.Date) bool {
		i := sort.Search(len(cached), func(i int) bool { return !cached[i].Date.Before(d) })
		return i < len(cached) && cached[i].Date == d
	})
	if !missing || r.provider == nil {
		return cached
	}

	resp := provider.Call(ctx, r.policy, "FetchExchangeRates", func(ctx context.Context) provider.Response[[]provider.Rate] {
		return r.provider.FetchExchangeRates(ctx, from, to, missingStart, missingEnd)
	})
	if !resp.Success() {
		log.Warn().Err(resp.Err).Str("pair", from+to).
			Str("start", missingStart.String()).Str("end", missingEnd.String()).
			Msg("Exchange rate series unavailable")
		return cached
	}

	fetched := make([]domain.ExchangeRate, 0, len(resp.Data))
	for _, q := range resp.Data {
		fetched = append(fetched, domain.ExchangeRate{From: from, To: to, Date: q.Date, Rate: q.Rate})
	}
	if err := r.cache.UpsertRates(ctx, fetched); err != nil {
		log.Warn().Err(err).Msg("Rate cache write failed")
	}

	merged := NewRateTable(cached...)
	merged.Add(fetched...)
	return merged.series[pair{from, to}]
}

// LoadTable resolves every requirement into an in-memory table and returns
// the requirements that could not be satisfied. Each pair is seeded with the
// latest cached quote before its first required day so lookups forward-fill
// across weekends and holidays.
func (r *RateResolver) LoadTable(ctx context.Context, reqs []requirement.RateRequirement) (*RateTable, []requirement.RateRequirement) {
	type span struct{ start, end civil.Date }
	spans := make(map[pair]span)
	for _, req := range reqs {
		p := pair{money.NormalizeCurrency(req.From), money.NormalizeCurrency(req.To)}
		if p.from == p.to {
			continue
		}
		s, ok := spans[p]
		if !ok {
			spans[p] = span{req.Date, req.Date}
			continue
		}
		if req.Date.Before(s.start) {
			s.start = req.Date
		}
		if req.Date.After(s.end) {
			s.end = req.Date
		}
		spans[p] = s
	}

	table := NewRateTable()
	results := make(map[pair][]domain.ExchangeRate, len(spans))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for p, s := range spans {
		p, s := p, s
		g.Go(func() error {
			var rates []domain.ExchangeRate
			if prior, err := r.cache.LatestRate(gctx, p.from, p.to, s.start.AddDays(-1)); err == nil {
				rates = append(rates, *prior)
			}
			rates = append(rates, r.FindRates(gctx, p.from, p.to, s.start, s.end)...)
			if len(rates) == 0 {
				// Try the inverse pair, which the table inverts on lookup.
				if prior, err := r.cache.LatestRate(gctx, p.to, p.from, s.start.AddDays(-1)); err == nil {
					rates = append(rates, *prior)
				}
				if cached, err := r.cache.ListRates(gctx, p.to, p.from, s.start, s.end); err == nil {
					rates = append(rates, cached...)
				}
			}
			mu.Lock()
			results[p] = rates
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, rates := range results {
		table.Add(rates...)
	}

	var missing []requirement.RateRequirement
	for _, req := range reqs {
		if _, ok := table.Rate(req.From, req.To, req.Date); !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		log := logger.FromContext(ctx)
		log.Warn().Int("missing", len(missing)).Int("required", len(reqs)).Msg("Some exchange rates are unavailable")
	}
	return table, missing
}

// missingSpan returns the smallest [first, last] range covering every day
// in [start, end] for which has reports false.
func missingSpan(start, end civil.Date, has func(civil.Date) bool) (first, last civil.Date, ok bool) {
	for d := start; !d.After(end); d = d.AddDays(1) {
		if has(d) {
			continue
		}
		if !ok {
			first, ok = d, true
		}
		last = d
	}
	return first, last, ok
}

// DescribeMissingRates summarizes unresolved rate requirements per pair for
// sync warnings.
func DescribeMissingRates(missing []requirement.RateRequirement) []string {
	type agg struct {
		first, last civil.Date
		n           int
	}
	byPair := make(map[pair]*agg)
	var order []pair
	for _, m := range missing {
		p := pair{m.From, m.To}
		a, ok := byPair[p]
		if !ok {
			a = &agg{first: m.Date, last: m.Date}
			byPair[p] = a
			order = append(order, p)
		}
		if m.Date.Before(a.first) {
			a.first = m.Date
		}
		if m.Date.After(a.last) {
			a.last = m.Date
		}
		a.n++
	}
	out := make([]string, 0, len(order))
	for _, p := range order {
		a := byPair[p]
		out = append(out, fmt.Sprintf("missing %s->%s exchange rate for %d day(s) between %s and %s", p.from, p.to, a.n, a.first, a.last))
	}
	return out
}
