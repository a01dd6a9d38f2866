package middleware

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/dagrun/internal/scheduler"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Retries after the first attempt (0 = bounded by MaxElapsedTime only)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          3,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry re-runs failed executions with exponential backoff. Context errors,
// open circuit breakers and Permanent errors stop retrying immediately.
// onRetry, if set, is called before each retry.
func Retry(cfg RetryConfig, logger *slog.Logger, onRetry func(name string, err error)) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, next scheduler.Execution) scheduler.Execution {
		return func(ctx context.Context) error {
			operation := func() error {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				err := next(ctx)
				if err == nil {
					return nil
				}
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return backoff.Permanent(err)
				}
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}

			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.InitialInterval
			policy.MaxInterval = cfg.MaxInterval
			policy.MaxElapsedTime = cfg.MaxElapsedTime
			policy.Multiplier = cfg.Multiplier
			policy.RandomizationFactor = cfg.RandomizationFactor

			var b backoff.BackOff = backoff.WithContext(policy, ctx)
			if cfg.MaxRetries > 0 {
				b = backoff.WithMaxRetries(b, cfg.MaxRetries)
			}

			notify := func(err error, wait time.Duration) {
				logger.Warn("retrying task", "task", name, "error", err, "wait", wait)
				if onRetry != nil {
					onRetry(name, err)
				}
			}
			return backoff.RetryNotify(operation, b, notify)
		}
	}
}

// BreakerConfig configures per-task circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
	OpenTimeout         time.Duration // Time open before probing (default 30s)
	HalfOpenRequests    uint32        // Probes allowed while half-open (default 3)
}

// BreakerRegistry manages circuit breakers keyed by name.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers use cfg.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not the task's fault
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[key] = cb
	return cb
}

// CircuitBreaker routes each execution through the breaker returned by
// key(name). A nil key uses the task name. Place it inside Retry so an open
// breaker stops retries.
func CircuitBreaker(reg *BreakerRegistry, key func(name string) string) Middleware {
	return func(name string, next scheduler.Execution) scheduler.Execution {
		k := name
		if key != nil {
			k = key(name)
		}
		return func(ctx context.Context) error {
			_, err := reg.Get(k).Execute(func() (interface{}, error) {
				return nil, next(ctx)
			})
			return err
		}
	}
}
