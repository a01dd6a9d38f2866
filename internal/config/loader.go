package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath, false); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath, false); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.dagrun/config.json
// Project: .dagrun/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".dagrun", "config.json")
	projectPath := filepath.Join(".dagrun", "config.json")

	return Load(globalPath, projectPath)
}

// LoadFile merges the pipeline file at path into cfg. Unlike the global and
// project layers, the file must exist.
func LoadFile(cfg *Config, path string) error {
	if err := mergeConfigFile(cfg, path, true); err != nil {
		return fmt.Errorf("loading pipeline: %w", err)
	}
	return nil
}

// mergeConfigFile decodes a JSON or YAML file on top of base. Settings keys
// present in the file override base; tasks are replaced whole by name.
func mergeConfigFile(base *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if base.Tasks == nil {
		base.Tasks = map[string]TaskConfig{}
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// TaskNames returns the configured task names in sorted order.
func (c *Config) TaskNames() []string {
	names := make([]string, 0, len(c.Tasks))
	for name := range c.Tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Settings.Deadline < 0 {
		errs = append(errs, fmt.Errorf("settings.deadline must not be negative"))
	}
	if c.Settings.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("settings.concurrency must not be negative"))
	}
	if c.Settings.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("settings.task_timeout must not be negative"))
	}
	if c.Settings.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("settings.retry.max_attempts must not be negative"))
	}

	for _, name := range c.TaskNames() {
		task := c.Tasks[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("task with empty name"))
			continue
		}
		if task.Command == "" {
			errs = append(errs, fmt.Errorf("task %q: command is required", name))
		}
		for _, dep := range task.DependsOn {
			if _, ok := c.Tasks[dep]; !ok {
				errs = append(errs, fmt.Errorf("task %q: depends on unknown task %q", name, dep))
			}
		}
	}

	return errors.Join(errs...)
}
