package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/dispatch"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/policy"
	"github.com/openfroyo/goalflow/pkg/runner"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// RuntimeOptions adjust how a runtime is assembled.
type RuntimeOptions struct {
	// ProjectDir is the checkout goal sets of unknown pushes run in.
	ProjectDir string

	// Telemetry replaces the telemetry built from the configuration.
	Telemetry *telemetry.Telemetry

	// Store replaces the SQLite store named by the configuration.
	Store stores.Store

	// Launcher replaces the goal-runner process client in isolated mode.
	Launcher dispatch.Launcher
}

// Runtime is a fully wired engine with the resources it owns.
type Runtime struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Store     stores.Store
	Cache     *cache.GoalCache
	Policies  *policy.Engine
	Rules     []*goalset.Rule
	Engine    *Engine

	launcher dispatch.Launcher
	logger   zerolog.Logger
}

// NewRuntime builds every component named by cfg: telemetry, the goal store,
// policies, rules, the goal cache and the dispatcher.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	tel := opts.Telemetry
	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	logger := tel.Logger.Zerolog()

	rt := &Runtime{
		Config:    cfg,
		Telemetry: tel,
		Store:     opts.Store,
		launcher:  opts.Launcher,
		logger:    logger.With().Str("component", "runtime").Logger(),
	}

	if rt.Store == nil {
		if cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := stores.OpenSQLiteStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open goal store: %w", err)
		}
		rt.Store = store
	}

	if cfg.Cache.Enabled {
		archives, err := newArchiveStore(cfg.Cache, logger)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.Cache = cache.New(archives, cache.Options{
			TolerateFailure: cfg.Cache.TolerateFailure,
			TarPath:         cfg.Cache.TarPath,
		}, logger, tel.Metrics, tel.Tracer)
	}

	if cfg.Dispatch.Mode == goal.ModeIsolated && rt.launcher == nil {
		client, err := runner.NewProcessClient(cfg.Dispatch.RunnerPath, cfg.Dispatch.RunnerArgs, logger)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to create goal runner client: %w", err)
		}
		rt.launcher = client
	}

	policies, rules, assembler, dispatcher, err := rt.build(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	eng, err := New(assembler, dispatcher, Deps{
		Store:   rt.Store,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Events:  tel.Events,
		Logger:  logger,
	}, Options{ProjectDir: opts.ProjectDir})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.Policies = policies
	rt.Rules = rules
	rt.Engine = eng
	return rt, nil
}

func newArchiveStore(cfg config.CacheConfig, logger zerolog.Logger) (cache.ArchiveStore, error) {
	switch cfg.Store {
	case config.CacheStoreSFTP:
		if cfg.SFTP == nil {
			return nil, goal.NewConfigurationError("sftp cache store has no sftp settings", nil).
				WithCode(goal.ErrCodeValidation)
		}
		return cache.NewSFTPStore(*cfg.SFTP, logger)
	default:
		return cache.NewFileStore(cfg.Directory, logger)
	}
}

// build compiles policies and rules into a fresh assembler and dispatcher.
func (rt *Runtime) build(ctx context.Context) (*policy.Engine, []*goalset.Rule, *goalset.Assembler, *dispatch.Dispatcher, error) {
	logger := rt.Telemetry.Logger.Zerolog()
	cfg := rt.Config

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := policies.LoadPaths(ctx, cfg.Rules.Policies); err != nil {
		return nil, nil, nil, nil, err
	}

	compiler := &config.Compiler{
		Policies: policies,
		Starlark: config.NewStarlarkEvaluator(cfg.Starlark.Timeout),
		BaseDir:  filepath.Dir(cfg.Rules.Path),
	}
	rules, err := compiler.LoadRules(ctx, cfg.Rules.Path)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	assembler, err := goalset.NewAssembler(rules, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	registry, err := dispatch.BuildRegistry(rules, rt.Store, dispatch.DefaultMakers())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	dispatcher, err := dispatch.New(registry, dispatch.Deps{
		Store:    rt.Store,
		Cache:    rt.Cache,
		Launcher: rt.launcher,
		Metrics:  rt.Telemetry.Metrics,
		Tracer:   rt.Telemetry.Tracer,
		Events:   rt.Telemetry.Events,
		Logger:   logger,
	}, dispatch.Options{
		Mode:               cfg.Dispatch.Mode,
		LogDir:             cfg.Dispatch.LogDir,
		LogBaseURL:         cfg.Dispatch.LogBaseURL,
		TailLines:          cfg.Dispatch.TailLines,
		HooksDir:           cfg.Dispatch.HooksDir,
		Lease:              cfg.Dispatch.Lease.Enabled,
		LeaseTTL:           cfg.Dispatch.Lease.TTL,
		CancelPollInterval: cfg.Dispatch.CancelPollInterval,
		RetryCommand:       cfg.Dispatch.RetryCommand,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return policies, rules, assembler, dispatcher, nil
}

// Reload recompiles policies and rules. On error the running rules stay in place.
func (rt *Runtime) Reload(ctx context.Context) error {
	policies, rules, assembler, dispatcher, err := rt.build(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("Reload failed, keeping current rules")
		return err
	}
	rt.Policies = policies
	rt.Rules = rules
	rt.Engine.Swap(assembler, dispatcher)
	return nil
}

// WatchPaths returns the files a dev loop should watch.
func (rt *Runtime) WatchPaths() []string {
	return append([]string{rt.Config.Rules.Path}, rt.Config.Rules.Policies...)
}

// Close releases the store and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if rt.Telemetry != nil {
		if err := rt.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
