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
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/dvloznov/finance-ledger/internal/requirement"
	"github.com/dvloznov/finance-ledger/internal/store"
	"golang.org/x/sync/errgroup"
)

// PriceResolver finds security prices.
type PriceResolver struct {
	cache      store.PriceRepository
	securities store.SecurityRepository
	provider   provider.SecurityPriceProvider
	policy     provider.Policy
}

// NewPriceResolver returns a resolver. p may be nil.
func NewPriceResolver(cache store.PriceRepository, securities store.SecurityRepository, p provider.SecurityPriceProvider, policy provider.Policy) *PriceResolver {
	return &PriceResolver{cache: cache, securities: securities, provider: p, policy: policy}
}

// FindPrice returns the price of securityID on date, fetching and caching it
// on a miss.
func (r *PriceResolver) FindPrice(ctx context.Context, securityID string, date civil.Date) (domain.SecurityPrice, bool) {
	log := logger.FromContext(ctx)
	if cached, err := r.cache.GetPrice(ctx, securityID, date); err == nil {
		return *cached, true
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("security_id", securityID).Msg("Price cache read failed")
	}

	sec, err := r.securities.GetSecurity(ctx, securityID)
	if err != nil {
		log.Warn().Err(err).Str("security_id", securityID).Msg("Unknown security")
		return domain.SecurityPrice{}, false
	}
	for _, p := range r.FindPrices(ctx, *sec, date, date) {
		if p.Date == date {
			return p, true
		}
	}
	return domain.SecurityPrice{}, false
}

// FindPrices returns cached prices of sec in [start, end], fetching the
// missing span in one provider call.
func (r *PriceResolver) FindPrices(ctx context.Context, sec domain.Security, start, end civil.Date) []domain.SecurityPrice {
	log := logger.FromContext(ctx).With().Str("security_id", sec.ID).Logger()

	cached, err := r.cache.ListPrices(ctx, sec.ID, start, end)
	if err != nil {
		log.Warn().Err(err).Msg("Price cache read failed")
	}
	missingStart, missingEnd, missing := missingSpan(start, end, func(d civil.Date) bool {
		i := sort.Search(len(cached), func(i int) bool { return !cached[i].Date.Before(d) })
		return i < len(cached) && cached[i].Date == d
	})
	if !missing || r.provider == nil || sec.Ticker == "" {
		return cached
	}

	resp := provider.Call(ctx, r.policy, "FetchSecurityPrices", func(ctx context.Context) provider.Response[[]provider.Price] {
		return r.provider.FetchSecurityPrices(ctx, sec.Ticker, sec.ExchangeOperatingMIC, missingStart, missingEnd)
	})
	if !resp.Success() {
		log.Warn().Err(resp.Err).Str("start", missingStart.String()).Str("end", missingEnd.String()).Msg("Security prices unavailable")
		return cached
	}

	fetched := make([]domain.SecurityPrice, 0, len(resp.Data))
	for _, q := range resp.Data {
		cur := q.Currency
		if cur == "" {
			cur = sec.Currency
		}
		fetched = append(fetched, domain.SecurityPrice{SecurityID: sec.ID, Date: q.Date, Currency: cur, Price: q.Price})
	}
	if err := r.cache.UpsertPrices(ctx, fetched); err != nil {
		log.Warn().Err(err).Msg("Price cache write failed")
	}

	merged := NewPriceTable(cached...)
	merged.Add(fetched...)
	return merged.series[sec.ID]
}

// LoadTable resolves every price requirement into an in-memory table and
// returns a description of each security left without any price.
func (r *PriceResolver) LoadTable(ctx context.Context, reqs []requirement.PriceRequirement) (*PriceTable, []string) {
	table := NewPriceTable()
	var (
		mu      sync.Mutex
		missing []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, req := range reqs {
		for _, id := range req.SecurityIDs {
			req, id := req, id
			g.Go(func() error {
				var prices []domain.SecurityPrice
				if prior, err := r.cache.LatestPrice(gctx, id, req.StartDate.AddDays(-1)); err == nil {
					prices = append(prices, *prior)
				}
				sec, err := r.securities.GetSecurity(gctx, id)
				if err == nil {
					prices = append(prices, r.FindPrices(gctx, *sec, req.StartDate, req.EndDate)...)
				} else if cached, cerr := r.cache.ListPrices(gctx, id, req.StartDate, req.EndDate); cerr == nil {
					prices = append(prices, cached...)
				}

				mu.Lock()
				defer mu.Unlock()
				table.Add(prices...)
				if len(prices) == 0 {
					missing = append(missing, fmt.Sprintf("missing prices for security %s between %s and %s", id, req.StartDate, req.EndDate))
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.Strings(missing)
	return table, missing
}
