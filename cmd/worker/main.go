package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/finance-ledger/internal/app"
	"github.com/dvloznov/finance-ledger/internal/config"
	"github.com/dvloznov/finance-ledger/internal/jobs"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/syncer"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to read environment")
	}
	cfg.RegisterFlags(flag.CommandLine)
	var (
		families  = flag.String("families", os.Getenv("FINLEDGER_SYNC_FAMILIES"), "Comma-separated family IDs to sync on a schedule")
		interval  = flag.Duration("interval", 24*time.Hour, "Time between scheduled family syncs")
		retention = flag.Duration("job-retention", 7*24*time.Hour, "How long finished jobs are kept")
	)
	flag.Parse()

	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	// The queue is in-memory, so this worker only runs the syncs it
	// schedules itself. In production this would consume Cloud Tasks or
	// Pub/Sub.
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}

	log.Info().Msg("Starting worker service")
	if err := a.Queue.Start(ctx, a.Syncer.HandleJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	ids := splitIDs(*families)
	if len(ids) == 0 {
		log.Warn().Msg("No families configured - worker is idle")
	} else {
		go schedule(ctx, a.Syncer, a.JobStore, ids, *interval, *retention, log)
	}

	log.Info().Strs("families", ids).Dur("interval", *interval).Msg("Worker service started, waiting for jobs...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight syncs before cancelling them
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	cancel()

	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close backends")
	}

	log.Info().Msg("Worker service exited")
}

// schedule enqueues a sync of every family now and then once per interval,
// pruning finished jobs older than retention on each round.
func schedule(ctx context.Context, s *syncer.Syncer, store jobs.JobStore, families []string, interval, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, id := range families {
			job, err := s.SyncFamilyLater(ctx, id)
			if err != nil {
				log.Error().Err(err).Str("family_id", id).Msg("Failed to enqueue family sync")
				continue
			}
			log.Info().Str("job_id", job.JobID).Str("family_id", id).Int("merged", job.Merged).Msg("Family sync enqueued")
		}
		if n, err := store.PruneJobs(ctx, time.Now().Add(-retention)); err != nil {
			log.Error().Err(err).Msg("Failed to prune jobs")
		} else if n > 0 {
			log.Debug().Int("pruned", n).Msg("Pruned finished jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
