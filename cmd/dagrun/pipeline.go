package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/dagrun/internal/command"
	"github.com/aristath/dagrun/internal/config"
	"github.com/aristath/dagrun/internal/events"
	"github.com/aristath/dagrun/internal/metrics"
	"github.com/aristath/dagrun/internal/middleware"
	"github.com/aristath/dagrun/internal/scheduler"
)

// loadPipeline layers the pipeline file over the global and project configs
// and validates the result.
func loadPipeline(path string) (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	if err := config.LoadFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline %s: %w", path, err)
	}
	return cfg, nil
}

// wiring is the runtime plumbing shared by the configured tasks. Nil fields
// are left out of the middleware chain.
type wiring struct {
	logger  *slog.Logger
	bus     *events.EventBus
	metrics *metrics.Metrics
	pm      *command.ProcessManager
}

// buildManager registers every configured task as a command task and wires
// the middleware chain described by the settings.
func buildManager(cfg *config.Config, w wiring) (*scheduler.Manager, error) {
	s := cfg.Settings
	names := cfg.TaskNames()

	mw := []middleware.Middleware{}
	if w.bus != nil {
		mw = append(mw, middleware.Publish(w.bus, len(names)))
	}
	if w.metrics != nil {
		mw = append(mw, middleware.Instrument(w.metrics))
	}
	mw = append(mw, middleware.Logging(w.logger))

	if s.Retry.Enabled() {
		var onRetry func(string, error)
		if w.metrics != nil {
			onRetry = func(name string, _ error) { w.metrics.ObserveRetry(name) }
		}
		mw = append(mw, middleware.Retry(retryConfig(s.Retry), w.logger, onRetry))
	}
	if s.CircuitBreaker.Enabled {
		reg := middleware.NewBreakerRegistry(middleware.BreakerConfig{
			ConsecutiveFailures: s.CircuitBreaker.ConsecutiveFailures,
			OpenTimeout:         s.CircuitBreaker.OpenTimeout.Std(),
		}, w.logger)
		mw = append(mw, middleware.CircuitBreaker(reg, nil))
	}

	resources := map[string][]string{}
	limits := map[string]time.Duration{}
	for _, name := range names {
		task := cfg.Tasks[name]
		if len(task.Resources) > 0 {
			resources[name] = task.Resources
		}
		if task.Timeout != nil {
			limits[name] = task.Timeout.Std()
		}
	}
	if len(resources) > 0 {
		mw = append(mw, middleware.Locks(middleware.NewResourceLockManager(), resources))
	}
	mw = append(mw, middleware.Timeout(s.TaskTimeout.Std(), limits))

	mgr := scheduler.NewManager(scheduler.ManagerConfig{
		Deadline:         s.Deadline.Std(),
		ConcurrencyLimit: s.Concurrency,
		Wrapper:          middleware.Chain(mw...),
		Logger:           w.logger,
	})

	var opts []command.Option
	if w.pm != nil {
		opts = append(opts, command.WithProcessManager(w.pm))
	}
	if w.bus != nil {
		opts = append(opts, command.WithEventBus(w.bus))
	}

	for _, name := range names {
		task := cfg.Tasks[name]
		spec := command.Spec{
			Command: task.Command,
			Args:    task.Args,
			Dir:     task.Dir,
			Env:     task.Env,
		}
		if err := mgr.AddTask(command.New(name, spec, opts...)); err != nil {
			return nil, err
		}
		if err := mgr.AddDeps(name, task.DependsOn...); err != nil {
			return nil, err
		}
	}

	return mgr, nil
}

func retryConfig(r config.RetryConfig) middleware.RetryConfig {
	cfg := middleware.DefaultRetryConfig()
	cfg.MaxRetries = uint64(r.MaxAttempts - 1)
	if r.InitialInterval > 0 {
		cfg.InitialInterval = r.InitialInterval.Std()
	}
	if r.MaxInterval > 0 {
		cfg.MaxInterval = r.MaxInterval.Std()
	}
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	// The run deadline bounds retries; don't also cap elapsed time.
	cfg.MaxElapsedTime = 0
	return cfg
}
