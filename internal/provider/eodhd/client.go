// Package eodhd fetches exchange rates and security closes from the
// EOD Historical Data API (https://eodhd.com).
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://eodhd.com/api"

// defaultExchange is used for securities without an operating MIC.
const defaultExchange = "US"

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	// RequestsPerSecond caps outgoing requests; zero disables limiting.
	RequestsPerSecond float64
	// CacheDir enables the daily disk cache when set.
	CacheDir string
}

// Client implements provider.ExchangeRateProvider and provider.SecurityPriceProvider.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	mu            sync.Mutex
	micToExchange map[string]string
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	httpClient := &http.Client{}
	if cfg.CacheDir != "" {
		httpClient.Transport = &diskCache{
			base: http.DefaultTransport,
			dir:  cfg.CacheDir,
			now:  time.Now,
			log:  logger.New(),
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		http:    httpClient,
		limiter: limiter,
	}
}

// forexTicker returns the EODHD ticker of a currency pair, e.g. EURNZD.FOREX.
func forexTicker(from, to string) string {
	return strings.ToUpper(from) + strings.ToUpper(to) + ".FOREX"
}

type eodQuote struct {
	Date  string          `json:"date"`
	Close decimal.Decimal `json:"close"`
}

// FetchExchangeRate returns the quote for date, or the latest one before it
// within the previous week when date is not a trading day.
func (c *Client) FetchExchangeRate(ctx context.Context, from, to string, date civil.Date) provider.Response[provider.Rate] {
	resp := c.FetchExchangeRates(ctx, from, to, date.AddDays(-7), date)
	if !resp.Success() {
		return provider.Response[provider.Rate]{Err: resp.Err}
	}
	if len(resp.Data) == 0 {
		return provider.Response[provider.Rate]{Err: fmt.Errorf("no %s/%s quote on or before %s", from, to, date)}
	}
	last := resp.Data[len(resp.Data)-1]
	return provider.Response[provider.Rate]{Data: provider.Rate{Date: date, Rate: last.Rate}}
}

// FetchExchangeRates returns the daily closes of from/to in [start, end].
func (c *Client) FetchExchangeRates(ctx context.Context, from, to string, start, end civil.Date) provider.Response[[]provider.Rate] {
	quotes, err := c.fetchEOD(ctx, forexTicker(from, to), start, end)
	if err != nil {
		return provider.Response[[]provider.Rate]{Err: fmt.Errorf("FetchExchangeRates: %s/%s: %w", from, to, err)}
	}
	rates := make([]provider.Rate, 0, len(quotes))
	for _, q := range quotes {
		d, err := civil.ParseDate(q.Date)
		if err != nil || !q.Close.IsPositive() {
			continue
		}
		rates = append(rates, provider.Rate{Date: d, Rate: q.Close})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Date.Before(rates[j].Date) })
	return provider.Response[[]provider.Rate]{Data: rates}
}

// FetchSecurityPrices returns the daily closes of symbol on the exchange
// identified by its operating MIC. Prices carry no currency; callers use the
// security's own currency.
func (c *Client) FetchSecurityPrices(ctx context.Context, symbol, mic string, start, end civil.Date) provider.Response[[]provider.Price] {
	exchange := defaultExchange
	if mic != "" {
		codes, err := c.exchangeCodes(ctx)
		if err != nil {
			return provider.Response[[]provider.Price]{Err: fmt.Errorf("FetchSecurityPrices: exchanges: %w", err)}
		}
		code, ok := codes[strings.ToUpper(mic)]
		if !ok {
			return provider.Response[[]provider.Price]{Err: fmt.Errorf("FetchSecurityPrices: MIC %s is not covered", mic)}
		}
		exchange = code
	}

	quotes, err := c.fetchEOD(ctx, symbol+"."+exchange, start, end)
	if err != nil {
		return provider.Response[[]provider.Price]{Err: fmt.Errorf("FetchSecurityPrices: %s: %w", symbol, err)}
	}
	prices := make([]provider.Price, 0, len(quotes))
	for _, q := range quotes {
		d, err := civil.ParseDate(q.Date)
		if err != nil || q.Close.IsNegative() {
			continue
		}
		prices = append(prices, provider.Price{Date: d, Price: q.Close})
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Date.Before(prices[j].Date) })
	return provider.Response[[]provider.Price]{Data: prices}
}

func (c *Client) fetchEOD(ctx context.Context, ticker string, start, end civil.Date) ([]eodQuote, error) {
	q := url.Values{}
	q.Set("fmt", "json")
	q.Set("api_token", c.apiKey)
	q.Set("from", start.String())
	q.Set("to", end.String())

	var quotes []eodQuote
	if err := c.getJSON(ctx, "/eod/"+url.PathEscape(ticker)+"?"+q.Encode(), &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// exchangeCodes maps operating MICs to EODHD exchange codes. The list is
// loaded once per client.
func (c *Client) exchangeCodes(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.micToExchange != nil {
		return c.micToExchange, nil
	}

	var exchanges []struct {
		Code         string
		OperatingMIC string
	}
	if err := c.getJSON(ctx, "/exchanges-list/?fmt=json&api_token="+url.QueryEscape(c.apiKey), &exchanges); err != nil {
		return nil, err
	}

	codes := make(map[string]string)
	for _, ex := range exchanges {
		// OperatingMIC may be a comma separated list.
		for _, mic := range strings.Split(ex.OperatingMIC, ",") {
			if mic = strings.TrimSpace(mic); mic != "" {
				codes[mic] = ex.Code
			}
		}
	}
	c.micToExchange = codes
	return codes, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &provider.RetryableError{Op: "rate limit", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &provider.RetryableError{Op: "GET " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &provider.RetryableError{Op: "GET " + req.URL.Path, Err: fmt.Errorf("status %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %s", req.URL.Path, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.RetryableError{Op: "read body", Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &provider.RetryableError{Op: "decode " + req.URL.Path, Err: err}
	}
	return nil
}

var (
	_ provider.ExchangeRateProvider  = (*Client)(nil)
	_ provider.SecurityPriceProvider = (*Client)(nil)
)
