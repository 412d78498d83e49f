// Package main is ralphd's entry point: the composition root that wires
// the Session Store, Terminal Driver, Activity Detector, LLM Verifier,
// Event Bus, Runner Framework, Task Service, and Watchdog together and
// runs until a shutdown signal arrives. Everything here is explicit
// construction and dependency passing; no package-level globals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/activity"
	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/config"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/runner"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/taskservice"
	"github.com/kandev/ralph/internal/terminal"
	"github.com/kandev/ralph/internal/verifier"
	"github.com/kandev/ralph/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ralphd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer s.Close()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	clk := clock.Real{}

	driver, err := terminal.NewTmuxDriver(cfg.Terminal.Binary, cfg.Terminal.SessionPrefix, log)
	if err != nil {
		log.Fatal("failed to initialize terminal driver", zap.Error(err))
	}
	log.Info("terminal driver ready", zap.String("binary", cfg.Terminal.Binary))

	detector := activity.New(driver, clk, cfg.Activity.ActiveIdleThreshold(), cfg.Activity.WaitingThreshold())

	var mirror events.Mirror
	if cfg.Events.NATSURL != "" {
		natsMirror, err := events.NewNATSMirror(cfg.Events.NATSURL, cfg.Events.Namespace, log)
		if err != nil {
			log.Warn("failed to connect NATS mirror, continuing without it", zap.Error(err))
		} else {
			mirror = natsMirror
			defer natsMirror.Close()
			log.Info("NATS mirror connected", zap.String("url", cfg.Events.NATSURL))
		}
	}
	bus := events.NewInProcessBus(clk, log, mirror)
	wsHub := events.NewWebSocketHub(bus, log)
	_ = wsHub // registered with the bus; attaching connections is the embedder's job

	v := verifier.New(storeConfigSource{s}, log)

	runners := runner.NewRegistry(
		runner.NewIterativeRunner(driver, detector, v, bus, s, clk, log, cfg.Terminal.DefaultCols, cfg.Terminal.DefaultRows),
		runner.NewSingleShotRunner(driver, detector, bus, s, clk, log, cfg.Terminal.DefaultCols, cfg.Terminal.DefaultRows),
		runner.NewManualRunner(bus),
	)

	taskSvc := taskservice.New(s, runners, bus, clk, log)
	taskSvc.StartAutoArchiveLoop(ctx,
		time.Duration(cfg.Watchdog.ArchiveSweepIntervalMin)*time.Minute,
		time.Duration(cfg.Watchdog.ArchiveAfterDays)*24*time.Hour,
	)

	wd := watchdog.New(s, driver, detector, taskSvc, clk, log, watchdog.Config{
		Interval:          cfg.Watchdog.Interval(),
		Warning:           time.Duration(cfg.Watchdog.WarningSeconds) * time.Second,
		Stuck:             time.Duration(cfg.Watchdog.StuckSeconds) * time.Second,
		Critical:          time.Duration(cfg.Watchdog.CriticalSeconds) * time.Second,
		CriticalStarted:   time.Duration(cfg.Watchdog.CriticalStartedSeconds) * time.Second,
		QueueBlock:        time.Duration(cfg.Watchdog.QueueBlockSeconds) * time.Second,
		MaxHealthFailures: cfg.Watchdog.MaxHealthFailures,
		Cols:              cfg.Terminal.DefaultCols,
		Rows:              cfg.Terminal.DefaultRows,
	})
	go wd.Run(ctx)
	log.Info("watchdog started", zap.Duration("interval", cfg.Watchdog.Interval()))

	log.Info("ralphd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down ralphd")
	cancel()
	log.Info("ralphd stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		return store.NewSQLiteStore(cfg.Database.Path)
	}
}

// storeConfigSource adapts store.Store to verifier.ConfigSource.
type storeConfigSource struct {
	s store.Store
}

func (a storeConfigSource) VerifierConfig(ctx context.Context) (models.VerifierConfig, error) {
	return a.s.GetVerifierConfig(ctx)
}
