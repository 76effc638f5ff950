// Package config holds the runtime settings shared by the binaries.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/rs/zerolog"
)

// Config is read once at startup and passed down explicitly.
type Config struct {
	FamilyCurrency    string
	SyncConcurrency   int
	QueueBuffer       int
	QueueWorkers      int
	ProviderTimeout   time.Duration
	ProviderRetries   int
	ProviderRateLimit float64
	EODHDAPIKey       string
	EODHDCacheDir     string
	PostgresDSN       string
	BigQueryProject   string
	BigQueryDataset   string
	ExportBucket      string
	LogLevel          string
	LogFormat         string
	HTTPPort          string
	APIToken          string
	CORSOrigin        string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		FamilyCurrency:    "USD",
		SyncConcurrency:   4,
		QueueBuffer:       100,
		QueueWorkers:      5,
		ProviderTimeout:   provider.DefaultPolicy.Timeout,
		ProviderRetries:   provider.DefaultPolicy.MaxRetries,
		ProviderRateLimit: 5,
		BigQueryDataset:   "finance_ledger",
		LogLevel:          "info",
		LogFormat:         logger.FormatConsole,
		HTTPPort:          "8080",
	}
}

// FromEnv overlays environment variables on Default.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("FINLEDGER_FAMILY_CURRENCY", &cfg.FamilyCurrency)
	num("FINLEDGER_SYNC_CONCURRENCY", &cfg.SyncConcurrency)
	num("FINLEDGER_QUEUE_BUFFER", &cfg.QueueBuffer)
	num("FINLEDGER_QUEUE_WORKERS", &cfg.QueueWorkers)
	num("FINLEDGER_PROVIDER_RETRIES", &cfg.ProviderRetries)
	str("EODHD_API_KEY", &cfg.EODHDAPIKey)
	str("FINLEDGER_EODHD_CACHE_DIR", &cfg.EODHDCacheDir)
	str("FINLEDGER_POSTGRES_DSN", &cfg.PostgresDSN)
	str("FINLEDGER_BIGQUERY_PROJECT", &cfg.BigQueryProject)
	str("FINLEDGER_BIGQUERY_DATASET", &cfg.BigQueryDataset)
	str("GCS_BUCKET", &cfg.ExportBucket)
	str("FINLEDGER_LOG_LEVEL", &cfg.LogLevel)
	str("FINLEDGER_LOG_FORMAT", &cfg.LogFormat)
	str("FINLEDGER_HTTP_PORT", &cfg.HTTPPort)
	str("FINLEDGER_API_TOKEN", &cfg.APIToken)
	str("FINLEDGER_CORS_ORIGIN", &cfg.CORSOrigin)

	if v, ok := lookup("FINLEDGER_PROVIDER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FINLEDGER_PROVIDER_TIMEOUT: %w", err))
		} else {
			cfg.ProviderTimeout = d
		}
	}
	if v, ok := lookup("FINLEDGER_PROVIDER_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FINLEDGER_PROVIDER_RATE_LIMIT: %w", err))
		} else {
			cfg.ProviderRateLimit = f
		}
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("FromEnv: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds flags to c so command-line values override the
// environment. Call before flag.Parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.FamilyCurrency, "family-currency", c.FamilyCurrency, "Default family currency (ISO 4217)")
	fs.IntVar(&c.SyncConcurrency, "sync-concurrency", c.SyncConcurrency, "Concurrent account syncs per family sync")
	fs.IntVar(&c.QueueBuffer, "queue-buffer", c.QueueBuffer, "Pending job buffer size")
	fs.IntVar(&c.QueueWorkers, "queue-workers", c.QueueWorkers, "Job worker goroutines")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", c.ProviderTimeout, "Timeout per market data request")
	fs.IntVar(&c.ProviderRetries, "provider-retries", c.ProviderRetries, "Retries for retryable provider errors")
	fs.Float64Var(&c.ProviderRateLimit, "provider-rate-limit", c.ProviderRateLimit, "Provider requests per second")
	fs.StringVar(&c.EODHDAPIKey, "eodhd-api-key", c.EODHDAPIKey, "EODHD API token (or set EODHD_API_KEY env)")
	fs.StringVar(&c.EODHDCacheDir, "eodhd-cache-dir", c.EODHDCacheDir, "Directory for cached EODHD responses")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "Postgres connection string; empty uses the in-memory store")
	fs.StringVar(&c.BigQueryProject, "bigquery-project", c.BigQueryProject, "GCP project for the BigQuery mirror; empty disables it")
	fs.StringVar(&c.BigQueryDataset, "bigquery-dataset", c.BigQueryDataset, "BigQuery dataset for the mirror")
	fs.StringVar(&c.ExportBucket, "bucket", c.ExportBucket, "GCS bucket for balance exports (or set GCS_BUCKET env)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: console or json")
	fs.StringVar(&c.HTTPPort, "port", c.HTTPPort, "HTTP server port")
	fs.StringVar(&c.APIToken, "api-token", c.APIToken, "Bearer token required by the API; empty disables auth")
	fs.StringVar(&c.CORSOrigin, "cors-origin", c.CORSOrigin, "Allowed browser origin; empty allows any")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !money.IsKnownCurrency(c.FamilyCurrency) {
		errs = append(errs, fmt.Errorf("family currency %q is not an ISO 4217 code", c.FamilyCurrency))
	}
	if c.SyncConcurrency <= 0 {
		errs = append(errs, errors.New("sync concurrency must be positive"))
	}
	if c.QueueBuffer <= 0 || c.QueueWorkers <= 0 {
		errs = append(errs, errors.New("queue buffer and workers must be positive"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("provider timeout must be positive"))
	}
	if c.ProviderRetries < 0 {
		errs = append(errs, errors.New("provider retries must not be negative"))
	}
	if c.ProviderRateLimit <= 0 {
		errs = append(errs, errors.New("provider rate limit must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.LogFormat != logger.FormatConsole && c.LogFormat != logger.FormatJSON {
		errs = append(errs, fmt.Errorf("log format %q must be %s or %s", c.LogFormat, logger.FormatConsole, logger.FormatJSON))
	}
	return errors.Join(errs...)
}

// ProviderPolicy is the retry policy for market data requests.
func (c Config) ProviderPolicy() provider.Policy {
	return provider.Policy{
		Timeout:    c.ProviderTimeout,
		MaxRetries: c.ProviderRetries,
		Backoff:    provider.DefaultPolicy.Backoff,
	}
}
