package main

import (
	"context"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobengine/internal/config"
	"jobengine/internal/core"
	"jobengine/internal/events"
	"jobengine/internal/jobfile"
	"jobengine/internal/logging"
	"jobengine/internal/pipeline"
	"jobengine/internal/store"
)

// engine wires the store, pool and job manager.
type engine struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	store    *store.Store
	broker   *events.Broker
	registry *pipeline.Registry
	metrics  *prometheus.Registry
	pool     *core.ExecutionPool
	timers   *core.CronTimers
	manager  *core.JobManager
}

// loadConfig resolves the configuration and builds a logger writing to logOut.
func loadConfig(cmd *cobra.Command, logOut io.Writer) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.JSON, logOut)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newEngine(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*engine, error) {
	st, err := store.Open(ctx, store.Options{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, StateDir: cfg.StateDir})
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		broker:   events.NewBroker(logger),
		registry: pipeline.NewRegistry(),
		metrics:  prometheus.NewRegistry(),
		timers:   core.NewCronTimers(cfg.Location()),
	}
	e.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runner := pipeline.NewRunner(e.registry, st, logger)
	e.pool = core.NewExecutionPool(st, st, runner,
		core.PoolConfig{Slots: cfg.Pool.Slots, TickInterval: cfg.Pool.TickInterval},
		core.WithPoolPublisher(e.broker),
		core.WithPoolMetrics(core.NewMetrics(e.metrics)),
		core.WithPoolLogger(logger),
	)
	e.manager = core.NewJobManager(st, st, e.pool, e.timers,
		core.WithManagerPublisher(e.broker),
		core.WithManagerLogger(logger),
		core.WithLocation(cfg.Location()),
		core.WithDefaultHistoryLimit(cfg.Jobs.HistoryLimit),
	)
	return e, nil
}

func (e *engine) jobDefaults() jobfile.Defaults {
	return jobfile.Defaults{
		Trigger:      core.TriggerKind(e.cfg.Jobs.DefaultTrigger),
		Action:       e.cfg.Jobs.DefaultAction,
		HistoryLimit: e.cfg.Jobs.HistoryLimit,
	}
}

// close releases what newEngine opened. The pool and timers must already be stopped.
func (e *engine) close() {
	e.manager.Stop()
	e.broker.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warnw("close store", "error", err)
	}
	_ = e.logger.Sync()
}

// withEngine runs fn against an engine that never starts the pool or timers.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	cfg, logger, err := loadConfig(cmd, os.Stderr)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(ctx, e)
}
