package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/dagrun/internal/metrics"
	"github.com/aristath/dagrun/internal/scheduler"
)

// Instrument records execution counts, durations and in-flight tasks.
func Instrument(m *metrics.Metrics) Middleware {
	return func(name string, next scheduler.Execution) scheduler.Execution {
		return func(ctx context.Context) error {
			m.TasksInFlight.Inc()
			defer m.TasksInFlight.Dec()

			start := time.Now()
			err := next(ctx)
			m.ObserveTask(name, time.Since(start), err)
			return err
		}
	}
}

// Logging logs each execution at debug level with its duration.
func Logging(logger *slog.Logger) Middleware {
	return func(name string, next scheduler.Execution) scheduler.Execution {
		return func(ctx context.Context) error {
			start := time.Now()
			logger.Debug("task executing", "task", name)
			err := next(ctx)
			logger.Debug("task returned", "task", name, "duration", time.Since(start), "failed", err != nil)
			return err
		}
	}
}
