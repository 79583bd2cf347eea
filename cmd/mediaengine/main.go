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

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/mediaengine"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/peer"
	"github.com/telemyapp/aegis-play/internal/pipeline"
)

func main() {
	cfg, err := config.LoadEngineFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "internal api address")
	flag.StringVar(&cfg.Capture, "capture", cfg.Capture, "capture source (testsrc|x11grab)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.Parse()

	log := logging.New(logging.Options{Service: "aegis-mediaengine", Debug: cfg.Debug})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Str("event", "exit").Send()
	}
}

func run(cfg config.EngineConfig, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pionLevel, err := zerolog.ParseLevel(cfg.PionLogLevel)
	if err != nil {
		return fmt.Errorf("pion log level: %w", err)
	}
	fc := peer.FactoryConfig{
		ICEServers: cfg.ICEServers,
		NAT1To1IP:  cfg.NAT1To1IP,
		LogLevel:   pionLevel,
	}
	if cfg.HasPortRange() {
		fc.PortMin, fc.PortMax = cfg.ICEPortMin, cfg.ICEPortMax
	}
	factory, err := peer.NewAPIFactory(fc, log, nil)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	hlsDir := ""
	if cfg.HLSEnabled {
		hlsDir = cfg.HLSDir
		if err := os.MkdirAll(hlsDir, 0o755); err != nil {
			return fmt.Errorf("hls dir: %w", err)
		}
	}

	reg := metrics.Default()
	enc := pipeline.FFmpegEncoder{Path: cfg.FFmpegPath, Capture: cfg.Capture, Display: cfg.X11Display, Log: log}
	engine := mediaengine.New(factory, enc, mediaengine.Options{
		MTU:           cfg.RTPMTU,
		FrameQueue:    cfg.FrameQueue,
		MaxRestarts:   cfg.MaxRestarts,
		GatherTimeout: cfg.GatherTimeout,
		HLSEnabled:    cfg.HLSEnabled,
		HLSDir:        hlsDir,
		HLSSegment:    cfg.HLSSegmentDuration,
		HLSWindow:     cfg.HLSWindow,
		Log:           log,
		Metrics:       reg,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mediaengine.NewHandler(engine, cfg.InternalKey, hlsDir, reg, log),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("event", "listening").Str("addr", cfg.ListenAddr).Str("capture", cfg.Capture).Send()
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
		if cerr := engine.Close(shutdownCtx); cerr != nil {
			log.Warn().Str("event", "shutdown").Err(cerr).Msg("closing media sessions")
		}
		return err
	})
	return g.Wait()
}
