package config

import "time"

// DefaultConfig returns the default settings with no tasks.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			Deadline: Duration(10 * time.Minute),
			Retry: RetryConfig{
				MaxAttempts:     1,
				InitialInterval: Duration(100 * time.Millisecond),
				MaxInterval:     Duration(10 * time.Second),
				Multiplier:      2.0,
			},
			CircuitBreaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration(30 * time.Second),
			},
			HistoryPath: ".dagrun/history.db",
		},
		Tasks: map[string]TaskConfig{},
	}
}
