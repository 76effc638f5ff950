// Package provider defines the market data contracts consumed by the
// resolvers, plus the bounded timeout and retry policy applied to every call.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/shopspring/decimal"
)

// Response wraps a provider result so callers can treat failure as data.
type Response[T any] struct {
	Data T
	Err  error
}

// Success reports whether the call returned data.
func (r Response[T]) Success() bool { return r.Err == nil }

// Rate is one daily quote of a currency pair.
type Rate struct {
	Date civil.Date
	Rate decimal.Decimal
}

// Price is one daily close of a security.
type Price struct {
	Date     civil.Date
	Price    decimal.Decimal
	Currency string
}

// ExchangeRateProvider fetches currency quotes.
type ExchangeRateProvider interface {
	FetchExchangeRate(ctx context.Context, from, to string, date civil.Date) Response[Rate]
	FetchExchangeRates(ctx context.Context, from, to string, start, end civil.Date) Response[[]Rate]
}

// SecurityPriceProvider fetches security closes.
type SecurityPriceProvider interface {
	FetchSecurityPrices(ctx context.Context, symbol, exchangeOperatingMIC string, start, end civil.Date) Response[[]Price]
}

// RetryableError marks timeouts, rate limiting and malformed payloads.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) || errors.Is(err, context.DeadlineExceeded)
}

// Policy bounds every provider call.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// DefaultPolicy is used when no configuration is supplied.
var DefaultPolicy = Policy{Timeout: 10 * time.Second, MaxRetries: 3, Backoff: 500 * time.Millisecond}

// Call runs fn under p: each attempt gets its own timeout and retryable
// failures are retried with linear backoff up to MaxRetries times.
func Call[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) Response[T]) Response[T] {
	log := logger.FromContext(ctx)

	var resp Response[T]
	for attempt := 0; ; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		resp = fn(callCtx)
		if resp.Err == nil && callCtx.Err() != nil {
			resp.Err = &RetryableError{Op: op, Err: callCtx.Err()}
		}
		cancel()

		if resp.Success() || !IsRetryable(resp.Err) || attempt >= p.MaxRetries {
			return resp
		}

		wait := time.Duration(attempt+1) * p.Backoff
		log.Warn().Err(resp.Err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", wait).Msg("Provider call failed, retrying")

		select {
		case <-ctx.Done():
			resp.Err = ctx.Err()
			return resp
		case <-time.After(wait):
		}
	}
}
