package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/api"
	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/backend/sim"
	"github.com/xinfuwcx/deepcad-rtengine/internal/config"
	"github.com/xinfuwcx/deepcad-rtengine/internal/engine"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
	"github.com/xinfuwcx/deepcad-rtengine/internal/observability"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("rtengine: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pool_size", cfg.Engine.PoolSize,
	)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Service:     cfg.Tracing.Service,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	journal, err := store.NewSQLiteJournal(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}

	runErr := run(context.Background(), cfg, logger, journal)

	if err := journal.Close(); err != nil {
		logger.Error("journal close", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("rtengine: %v", runErr)
	}
}

// run starts the engine and serves the API until ctx is done, a signal
// arrives or the server fails. The engine is disposed before run returns.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, journal store.Journal) error {
	reg := backend.NewRegistry()
	reg.Register("sim", sim.New(cfg.Engine.SimStepCost))

	var sampler monitor.Sampler
	if ps, err := monitor.NewProcSampler(); err == nil {
		sampler = ps
	} else {
		logger.Warn("procfs unavailable, load adaptation disabled", "error", err)
		sampler = monitor.NewStaticSampler(model.LoadSnapshot{CPUUsage: 0.5, MemoryUsage: 0.5})
	}

	eng := engine.New(engineOptions(cfg.Engine), reg, sampler, logger, engine.WithJournal(journal))
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Dispose()
	eng.OnWarning(func(w model.ResourceExhaustionWarning) {
		logger.Warn("resource exhaustion", "resource", w.Resource, "threshold", w.Threshold)
	})

	srv := api.NewServer(cfg.ListenAddr, journal, eng, logger)
	return srv.Run(ctx)
}

// engineOptions maps configuration onto engine options. Zero values keep the
// engine defaults.
func engineOptions(c config.Engine) engine.Options {
	opts := engine.DefaultOptions()
	opts.PoolSize = c.PoolSize
	opts.Thresholds = c.Thresholds
	if c.TickInterval > 0 {
		opts.TickInterval = c.TickInterval
	}
	if c.SampleInterval > 0 {
		opts.SampleInterval = c.SampleInterval
	}
	if c.OptimizeInterval > 0 {
		opts.OptimizeInterval = c.OptimizeInterval
	}
	if c.BaseTimeSlice > 0 {
		opts.BaseTimeSlice = c.BaseTimeSlice
	}
	if c.HistorySize > 0 {
		opts.HistorySize = c.HistorySize
	}
	if c.CoalesceThreshold > 0 {
		opts.CoalesceThreshold = c.CoalesceThreshold
	}
	if c.CoalesceWindow > 0 {
		opts.CoalesceWindow = c.CoalesceWindow
	}
	return opts
}
