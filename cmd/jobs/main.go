package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/jobs"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/store"
)

// The jobs binary runs the database maintenance jobs. Jobs that need the
// live pool or session registry run inside the api process.
func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Service: "aegis-jobs", Debug: cfg.Debug})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping db")
	}

	st := store.New(pool)
	now := func() time.Time { return time.Now().UTC() }
	runner := jobs.NewRunner(log, metrics.Default(),
		jobs.UsageRollup(st),
		jobs.PruneVMHistory(st, cfg.VMHistoryRetention, now),
	)

	log.Info().Str("event", "jobs_started").Send()
	_ = runner.Run(ctx)
	log.Info().Str("event", "jobs_stopped").Send()
}
