// Package app assembles the ledger's components from a Config. Every
// binary builds its dependencies here so they are wired the same way.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-ledger/internal/config"
	"github.com/dvloznov/finance-ledger/internal/export"
	"github.com/dvloznov/finance-ledger/internal/infra/bigquery"
	"github.com/dvloznov/finance-ledger/internal/infra/postgres"
	jobsmem "github.com/dvloznov/finance-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/finance-ledger/internal/market"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/dvloznov/finance-ledger/internal/provider/eodhd"
	"github.com/dvloznov/finance-ledger/internal/report"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
	"github.com/dvloznov/finance-ledger/internal/syncer"
	"github.com/rs/zerolog"
)

// App holds the wired components. Exporter is nil without a bucket.
type App struct {
	Config   config.Config
	Store    store.Store
	Syncer   *syncer.Syncer
	Reporter *report.Reporter
	Exporter *export.Exporter
	JobStore *jobsmem.Store
	Queue    *jobsmem.Queue

	closers []func() error
}

// Build connects to the configured backends. Optional backends that are not
// configured are skipped with a log line.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Config: cfg}

	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.Store = pg
		a.closers = append(a.closers, pg.Close)
		log.Info().Msg("Using Postgres store")
	} else {
		a.Store = inmemory.New()
		log.Warn().Msg("No Postgres DSN configured - balances are kept in memory")
	}

	var (
		rateProvider  provider.ExchangeRateProvider
		priceProvider provider.SecurityPriceProvider
	)
	if cfg.EODHDAPIKey != "" {
		client := eodhd.New(eodhd.Config{
			APIKey:            cfg.EODHDAPIKey,
			RequestsPerSecond: cfg.ProviderRateLimit,
			CacheDir:          cfg.EODHDCacheDir,
		})
		rateProvider, priceProvider = client, client
	} else {
		log.Warn().Msg("No EODHD API key configured - only cached rates and prices are used")
	}
	policy := cfg.ProviderPolicy()
	rates := market.NewRateResolver(a.Store, rateProvider, policy)
	prices := market.NewPriceResolver(a.Store, a.Store, priceProvider, policy)

	a.JobStore = jobsmem.NewStore()
	a.Queue = jobsmem.NewQueue(cfg.QueueBuffer, cfg.QueueWorkers, a.JobStore)
	a.closers = append(a.closers, a.Queue.Close)

	opts := []syncer.Option{
		syncer.WithPublisher(a.Queue),
		syncer.WithConcurrency(cfg.SyncConcurrency),
	}
	if cfg.BigQueryProject != "" {
		mirror, err := bigquery.NewMirror(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, mirror.Close)
		opts = append(opts, syncer.WithMirror(mirror))
		log.Info().Str("dataset", cfg.BigQueryDataset).Msg("Mirroring balances to BigQuery")
	}
	a.Syncer = syncer.New(a.Store, rates, prices, opts...)
	a.Reporter = report.New(a.Store)

	if cfg.ExportBucket != "" {
		objects, err := export.NewGCSStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, objects.Close)
		a.Exporter = export.New(a.Reporter, objects, cfg.ExportBucket)
	} else {
		log.Warn().Msg("No GCS bucket configured - balance exports are disabled")
	}
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
