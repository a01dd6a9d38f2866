package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string like "90s".
// Bare numbers are read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		return d.parse(val)
	case float64:
		*d = Duration(val * float64(time.Second))
		return nil
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryConfig controls re-running failed tasks with exponential backoff.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`         // Total attempts including the first; 1 disables retry
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"` // First backoff wait
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`         // Backoff ceiling
	Multiplier      float64  `json:"multiplier" yaml:"multiplier"`
}

// Enabled reports whether failed tasks are retried.
func (r RetryConfig) Enabled() bool { return r.MaxAttempts > 1 }

// BreakerConfig controls per-task circuit breakers.
type BreakerConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"` // Failures that open the breaker
	OpenTimeout         Duration `json:"open_timeout" yaml:"open_timeout"`                 // Time open before a probe
}

// Settings are run-wide options.
type Settings struct {
	Deadline       Duration      `json:"deadline" yaml:"deadline"`         // Whole-run deadline; 0 disables
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`   // Max tasks executing at once; 0 is unlimited
	TaskTimeout    Duration      `json:"task_timeout" yaml:"task_timeout"` // Per-task bound; 0 disables
	Retry          RetryConfig   `json:"retry" yaml:"retry"`
	CircuitBreaker BreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	HistoryPath    string        `json:"history_path" yaml:"history_path"` // SQLite run archive; empty disables
}

// TaskConfig defines one command task and its prerequisites.
type TaskConfig struct {
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir       string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"` // Tasks that must finish first
	Resources []string          `json:"resources,omitempty" yaml:"resources,omitempty"`   // Exclusive resources held while running
	Timeout   *Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // Overrides settings.task_timeout
}

// Config is the top-level pipeline configuration.
type Config struct {
	Settings Settings              `json:"settings" yaml:"settings"`
	Tasks    map[string]TaskConfig `json:"tasks" yaml:"tasks"`
}
