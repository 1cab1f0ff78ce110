// Package app wires the stores, the pipeline and the approval service from
// environment configuration. The HTTP service and the CLI share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/regreport/eclbatch/internal/checkpoint"
	"github.com/regreport/eclbatch/internal/datelock"
	"github.com/regreport/eclbatch/internal/pipeline"
	"github.com/regreport/eclbatch/internal/platform/env"
	"github.com/regreport/eclbatch/internal/platform/httpserver"
	"github.com/regreport/eclbatch/internal/platform/postgres"
	"github.com/regreport/eclbatch/internal/registry"
	pgrepo "github.com/regreport/eclbatch/internal/repo/postgres"
	"github.com/regreport/eclbatch/internal/runner"
	"github.com/regreport/eclbatch/internal/service/approval"
	"github.com/regreport/eclbatch/internal/stream"
)

type Config struct {
	Postgres     postgres.Config
	Runner       runner.Config
	Checkpoint   checkpoint.Config
	Lock         datelock.Config
	RegistryFile string
	StoreTimeout time.Duration
	StreamBuffer int
	ApplySchema  bool
}

func ConfigFromEnv() (Config, error) {
	pgCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("postgres: %w", err)
	}
	runCfg, err := runner.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("runner: %w", err)
	}
	cpCfg, err := checkpoint.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: %w", err)
	}
	lockCfg, err := datelock.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("lock: %w", err)
	}
	storeTimeout, err := env.Duration("ECL_STORE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	buffer, err := env.Int("ECL_STREAM_BUFFER", stream.DefaultBuffer)
	if err != nil {
		return Config{}, err
	}
	applySchema, err := env.Bool("ECL_APPLY_SCHEMA", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Postgres:     pgCfg,
		Runner:       runCfg,
		Checkpoint:   cpCfg,
		Lock:         lockCfg,
		RegistryFile: env.String("ECL_STEP_REGISTRY_FILE", ""),
		StoreTimeout: storeTimeout,
		StreamBuffer: buffer,
		ApplySchema:  applySchema,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.StoreTimeout < 0 {
		return errors.New("ECL_STORE_TIMEOUT must be >= 0")
	}
	if c.StreamBuffer <= 0 {
		return errors.New("ECL_STREAM_BUFFER must be > 0")
	}
	return nil
}

type App struct {
	DB           *sql.DB
	Registry     *registry.Registry
	Runs         *pgrepo.RunStore
	Gateway      *stream.Gateway
	Checkpoints  *checkpoint.Opened
	Locks        *datelock.Opened
	Orchestrator *pipeline.Orchestrator
	Approvals    *approval.Service

	pingTimeout time.Duration
	closers     []func() error
}

func Build(ctx context.Context, logger *slog.Logger, cfg Config) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := registry.FromFileOrDefault(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("step registry: %w", err)
	}
	run, err := runner.New(cfg.Runner)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	run.WithLogger(logger)

	a := &App{Registry: reg, pingTimeout: cfg.Postgres.PingTimeout}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if cfg.ApplySchema {
		if err := pgrepo.ApplySchema(ctx, db); err != nil {
			return fail(fmt.Errorf("apply schema: %w", err))
		}
		logger.Info("schema applied")
	}

	cps, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fail(fmt.Errorf("checkpoint: %w", err))
	}
	a.Checkpoints = cps
	a.closers = append(a.closers, cps.Close)

	locks, err := datelock.Open(cfg.Lock, logger)
	if err != nil {
		return fail(fmt.Errorf("lock: %w", err))
	}
	a.Locks = locks
	a.closers = append(a.closers, locks.Close)

	a.Runs = pgrepo.NewRunStore(db)
	a.Gateway = stream.NewGateway(cfg.StreamBuffer, logger)

	orch, err := pipeline.New(pipeline.Deps{
		Steps:        Steps(reg, run),
		Keys:         pgrepo.NewRunKeyStore(db),
		Runs:         a.Runs,
		Checkpoints:  cps.Store,
		Events:       a.Gateway,
		Locker:       locks.Locker,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("pipeline: %w", err))
	}
	a.Orchestrator = orch
	a.Approvals = approval.New(pgrepo.NewTransactor(db), a.Runs, logger)

	logger.Info("app ready",
		"steps", reg.Len(),
		"checkpoint_backend", cps.Backend,
		"lock_backend", locks.Backend,
		"project_root", cfg.Runner.ProjectRoot,
	)
	return a, nil
}

// Steps binds every registry entry to the process runner.
func Steps(reg *registry.Registry, r *runner.Runner) []pipeline.Step {
	bound := runner.Bind(reg.Steps(), r)
	out := make([]pipeline.Step, 0, len(bound))
	for _, s := range bound {
		out = append(out, s)
	}
	return out
}

func (a *App) Checks() []httpserver.ReadinessCheck {
	var checks []httpserver.ReadinessCheck
	if a.DB != nil {
		db := a.DB
		checks = append(checks, httpserver.ReadinessCheck{
			Name:    "postgres",
			Timeout: a.pingTimeout,
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, a.pingTimeout)
			},
		})
	}
	if a.Checkpoints != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:    "checkpoint_" + a.Checkpoints.Backend,
			Timeout: 2 * time.Second,
			Check:   a.Checkpoints.Check,
		})
	}
	if a.Locks != nil && a.Locks.Backend != datelock.BackendLocal {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:    "lock_" + a.Locks.Backend,
			Timeout: 2 * time.Second,
			Check:   a.Locks.Check,
		})
	}
	return checks
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
