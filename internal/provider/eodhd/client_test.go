package eodhd

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFetchExchangeRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eod/EURNZD.FOREX" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("from"); got != "2024-01-01" {
			t.Errorf("from = %s", got)
		}
		fmt.Fprint(w, `[{"date":"2024-01-02","close":1.7512},{"date":"2024-01-01","close":1.75}]`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	resp := c.FetchExchangeRates(context.Background(), "EUR", "NZD", day("2024-01-01"), day("2024-01-02"))
	if !resp.Success() {
		t.Fatalf("FetchExchangeRates() error = %v", resp.Err)
	}
	if len(resp.Data) != 2 || resp.Data[0].Date != day("2024-01-01") {
		t.Fatalf("rates not sorted by date: %+v", resp.Data)
	}
	if !resp.Data[1].Rate.Equal(decimal.RequireFromString("1.7512")) {
		t.Errorf("rate = %s", resp.Data[1].Rate)
	}
}

func TestFetchExchangeRateUsesLatestQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"date":"2024-01-04","close":1.70},{"date":"2024-01-05","close":1.71}]`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp := c.FetchExchangeRate(context.Background(), "EUR", "NZD", day("2024-01-07"))
	if !resp.Success() {
		t.Fatalf("FetchExchangeRate() error = %v", resp.Err)
	}
	if resp.Data.Date != day("2024-01-07") || !resp.Data.Rate.Equal(decimal.RequireFromString("1.71")) {
		t.Errorf("FetchExchangeRate() = %+v", resp.Data)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp := New(Config{BaseURL: srv.URL}).FetchExchangeRates(context.Background(), "EUR", "NZD", day("2024-01-01"), day("2024-01-02"))
			if resp.Success() {
				t.Fatal("expected an error")
			}
			if got := provider.IsRetryable(resp.Err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", resp.Err, got, tt.retryable)
			}
		})
	}
}

func TestMalformedPayloadIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":`)
	}))
	defer srv.Close()

	resp := New(Config{BaseURL: srv.URL}).FetchExchangeRates(context.Background(), "EUR", "NZD", day("2024-01-01"), day("2024-01-02"))
	if !provider.IsRetryable(resp.Err) {
		t.Errorf("expected retryable error, got %v", resp.Err)
	}
}

func TestFetchSecurityPricesMapsMIC(t *testing.T) {
	var exchangeCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exchanges-list/":
			atomic.AddInt32(&exchangeCalls, 1)
			fmt.Fprint(w, `[{"Code":"XETRA","OperatingMIC":"XETR"},{"Code":"F","OperatingMIC":"XFRA, XBER"}]`)
		case "/eod/NVD.F":
			fmt.Fprint(w, `[{"date":"2024-02-13","close":668.445}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	for i := 0; i < 2; i++ {
		resp := c.FetchSecurityPrices(context.Background(), "NVD", "XBER", day("2024-02-01"), day("2024-02-13"))
		if !resp.Success() {
			t.Fatalf("FetchSecurityPrices() error = %v", resp.Err)
		}
		if len(resp.Data) != 1 || !resp.Data[0].Price.Equal(decimal.RequireFromString("668.445")) {
			t.Errorf("prices = %+v", resp.Data)
		}
	}
	if atomic.LoadInt32(&exchangeCalls) != 1 {
		t.Errorf("exchanges-list fetched %d times, want 1", exchangeCalls)
	}

	if resp := c.FetchSecurityPrices(context.Background(), "NVD", "XXXX", day("2024-02-01"), day("2024-02-13")); resp.Success() {
		t.Error("expected error for an unknown MIC")
	}
}

func TestDiskCacheServesRepeatedRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `[{"date":"2024-01-01","close":1.5}]`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, CacheDir: t.TempDir()})
	c.http.Transport.(*diskCache).log = zerolog.Nop()
	c.http.Transport.(*diskCache).now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		resp := c.FetchExchangeRates(context.Background(), "USD", "JPY", day("2024-01-01"), day("2024-01-01"))
		if !resp.Success() || len(resp.Data) != 1 {
			t.Fatalf("call %d: %+v", i, resp)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}
