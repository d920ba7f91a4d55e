// Package config provides unified configuration loading for simsweep.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all simsweep configuration settings.
type Config struct {
	// Engine configures how the external simulation engine is invoked.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Run contains settings for batch execution.
	Run RunConfig `json:"run" yaml:"run"`

	// Logging contains settings for operational and run-trace logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig configures the engine collaborator.
type EngineConfig struct {
	// Path is the engine binary. The materialized input folder and the
	// output folder are passed as its final two arguments.
	Path string `json:"path" yaml:"path"`

	// Args are extra arguments placed before the folder arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Retries is how many times a failed invocation is retried before
	// the simulation is recorded as failed.
	Retries int `json:"retries" yaml:"retries"`

	// RetryDelay is the wait between retries.
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

// RunConfig configures batch execution.
type RunConfig struct {
	// Parallelism caps the number of concurrently running engine
	// processes. Values below 1 mean serial execution.
	Parallelism int `json:"parallelism" yaml:"parallelism"`
}

// LoggingConfig configures simsweep's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Retries:    0,
			RetryDelay: time.Second,
		},
		Run: RunConfig{
			Parallelism: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration for a project.
// Order: defaults -> <path> (if it exists) -> environment variables.
func Load(path string) (*Config, error) {
	config := Default()
	if _, err := os.Stat(path); err == nil {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.Retries < 0 {
		return fmt.Errorf("engine retries must be non-negative, got %d", c.Engine.Retries)
	}
	if c.Engine.RetryDelay < 0 {
		return fmt.Errorf("engine retry_delay must be non-negative, got %v", c.Engine.RetryDelay)
	}
	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SIMSWEEP_ENGINE_PATH"); v != "" {
		config.Engine.Path = v
	}
	if v := os.Getenv("SIMSWEEP_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Run.Parallelism = n
		}
	}
	if v := os.Getenv("SIMSWEEP_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
