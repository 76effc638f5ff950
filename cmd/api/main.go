package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-ledger/internal/api"
	"github.com/dvloznov/finance-ledger/internal/api/handlers"
	"github.com/dvloznov/finance-ledger/internal/app"
	"github.com/dvloznov/finance-ledger/internal/config"
	"github.com/dvloznov/finance-ledger/internal/logger"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to read environment")
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	// Initialize logger
	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}

	// Background syncs run in this process on the in-memory queue
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Int("workers", cfg.QueueWorkers).Msg("Starting job worker")
	if err := a.Queue.Start(workerCtx, a.Syncer.HandleJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	var exporter handlers.Exporter
	if a.Exporter != nil {
		exporter = a.Exporter
	}
	handler := api.NewRouter(api.Handlers{
		Sync:     handlers.NewSyncHandler(a.Syncer, log),
		Balances: handlers.NewBalancesHandler(a.Reporter, exporter, log),
		Jobs:     handlers.NewJobsHandler(a.JobStore, log),
	}, api.Options{APIToken: cfg.APIToken, CORSOrigin: cfg.CORSOrigin}, log)

	// Inline syncs of large families can outlast the default write timeout
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight syncs
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close backends")
	}

	log.Info().Msg("Server exited")
}
