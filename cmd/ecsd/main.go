package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simstreams/server/internal/config"
	"github.com/simstreams/server/internal/dispatch"
	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/metrics"
	gonet "github.com/simstreams/server/internal/net"
	"github.com/simstreams/server/internal/persist"
	"github.com/simstreams/server/internal/scripting"
	"github.com/simstreams/server/internal/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("ECSD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting", zap.String("server", cfg.Server.Name))

	// 3. Optional PostgreSQL for document/results persistence
	deps := &dispatch.Deps{
		SaveDir: cfg.Paths.SaveDir,
		Log:     log,
	}
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()

		if err := persist.RunMigrations(ctx, db.Pool, log); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()

		deps.Docs = persist.NewDocumentRepo(db)
		deps.Results = persist.NewResultsRepo(db)
		log.Info("persistence enabled")
	}

	// 4. Lua evaluation engine
	engine, err := scripting.NewEngine(cfg.Simulation.HelperDir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer engine.Close()

	// 5. Core state: document store, stepper, metrics recorder
	store := document.NewStore("ECS Config", log)
	stepper := sim.NewStepper(store, engine, cfg.Simulation.OperatorTimeout, log)
	recorder := metrics.NewRecorder()

	deps.Store = store
	deps.Stepper = stepper
	deps.Recorder = recorder

	disp := dispatch.New(deps, cfg.Paths.ResultsDir)

	// 6. HTTP server
	srv := gonet.NewServer(cfg.Server.BindAddress, cfg.Server.ReadTimeout, disp, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
