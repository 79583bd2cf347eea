package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/aegis-play/internal/api"
	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/hostproto"
	"github.com/telemyapp/aegis-play/internal/jobs"
	"github.com/telemyapp/aegis-play/internal/launch"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/orchestrator"
	"github.com/telemyapp/aegis-play/internal/pairing"
	"github.com/telemyapp/aegis-play/internal/signaling"
	"github.com/telemyapp/aegis-play/internal/store"
	"github.com/telemyapp/aegis-play/internal/telemetry"
	"github.com/telemyapp/aegis-play/internal/vmpool"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.TemplatesPath, "templates", cfg.TemplatesPath, "template catalog (yaml)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.BoolVar(&cfg.InProcessJobs, "jobs", cfg.InProcessJobs, "run pool and session jobs in this process")
	flag.Parse()

	log := logging.New(logging.Options{Service: "aegis-api", Debug: cfg.Debug})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Str("event", "exit").Send()
	}
}

func run(cfg config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := config.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, "aegis-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	st := store.New(db)

	prov, err := newProvisioner(cfg, log)
	if err != nil {
		return err
	}

	reg := metrics.Default()
	hc := hostproto.NewClient(nil)
	pool := vmpool.New(catalog, vmpool.WithLogger(log))
	worker := vmpool.NewWorker(pool, prov, hc, vmpool.WorkerOptions{
		ProbeInterval: cfg.HostProbePeriod,
		BootTimeout:   cfg.BootTimeout,
		Log:           log,
	})
	pm := pairing.NewManager(hc, pairing.Options{
		DeviceName: cfg.DeviceName,
		PIN:        cfg.HostPairingPIN,
		Timeout:    cfg.PairTimeout,
		Log:        log,
	})
	lc := launch.NewClient(hc, pm, launch.Options{
		Timeout:      cfg.LaunchTimeout,
		PollInterval: cfg.LaunchPoll,
		Log:          log,
	})
	sig, err := signaling.NewClient(cfg.MediaEngineURL, cfg.MediaEngineKey, nil, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Pool:     pool,
		Pairing:  pm,
		Launcher: lc,
		Apps:     orchestrator.StaticApps(catalog.Apps),
		Recorder: st,
		Usage:    st,
		Media:    sig,
	}, orchestrator.Options{
		DefaultRegion:    cfg.DefaultRegion,
		SupportedRegions: cfg.SupportedRegion,
		Log:              log,
	})
	pool.Subscribe(orch.HandleVMEvent)

	history := newVMEventRecorder(st, log, 256)
	pool.Subscribe(history.Record)

	// Nothing is live yet, so every open row belongs to a previous process.
	if n, err := st.CloseOrphanedSessions(ctx, nil, time.Now().UTC()); err != nil {
		log.Warn().Str("event", "orphan_sweep").Err(err).Send()
	} else if n > 0 {
		log.Info().Str("event", "orphan_sweep").Int64("closed", n).Send()
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Options{JWTSecret: cfg.JWTSecret, AdminKey: cfg.AdminKey}, api.Deps{
			Sessions:    orch,
			Signaling:   sig,
			VMs:         pool,
			Launcher:    worker,
			Pairing:     pm,
			History:     st,
			Metrics:     reg,
			Log:         log,
			BaseContext: ctx,
		}),
		ReadTimeout: 30 * time.Second,
		// Session start waits on pairing and launch before it writes.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return history.Run(gctx) })
	if cfg.InProcessJobs {
		runner := jobs.NewRunner(log, reg,
			jobs.ReapStarting(orch, cfg.StartingTTL),
			jobs.ReconcilePool(ctx, pool, worker, catalog, cfg.ReconcileEvery),
			jobs.PruneMemory(pool, orch, cfg.Retention, now),
			jobs.SweepOrphans(st, orch, cfg.StartingTTL, now),
		)
		g.Go(func() error { return runner.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("event", "listening").Str("addr", cfg.ListenAddr).Send()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := orch.Close(shutdownCtx); cerr != nil {
			log.Warn().Str("event", "shutdown").Err(cerr).Msg("ending live sessions")
		}
		return err
	})
	return g.Wait()
}

func now() time.Time { return time.Now().UTC() }
