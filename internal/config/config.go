// Package config holds riboflow's runtime configuration: how many workers to
// run, where working areas and the ledger live, and how to log.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/pipeline"
)

// Config is the runtime configuration. Zero fields mean "use the default".
type Config struct {
	Workers     int               `yaml:"workers,omitempty"`
	WorkDir     string            `yaml:"work_dir,omitempty"`
	LedgerPath  string            `yaml:"ledger_path,omitempty"`
	PublishDir  string            `yaml:"publish_dir,omitempty"`
	LogLevel    string            `yaml:"log_level,omitempty"`
	LogFormat   string            `yaml:"log_format,omitempty"`
	Aggregation string            `yaml:"aggregation,omitempty"`
	KillGrace   pipeline.Duration `yaml:"kill_grace,omitempty"`
	Shell       string            `yaml:"shell,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workers:     runtime.NumCPU(),
		WorkDir:     "riboflow-work",
		LogLevel:    "info",
		LogFormat:   "text",
		Aggregation: string(domain.AggregationStrict),
		KillGrace:   pipeline.Duration(10 * time.Second),
		Shell:       "/bin/sh",
	}
}

// Load reads a YAML configuration file and merges it over the defaults. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config: %v", domain.ErrIO, err)
	}
	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.Configf(domain.ErrConfig, "config %s: %v", path, err)
	}
	if err := cfg.Merge(&file); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of over onto c.
func (c *Config) Merge(over *Config) error {
	if err := mergo.Merge(c, over, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config: %w", err)
	}
	return nil
}

// Ledger returns the ledger database path, defaulting to a file in WorkDir.
func (c *Config) Ledger() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.WorkDir, "ledger.db")
}

// Policy returns the parsed aggregation policy.
func (c *Config) Policy() (domain.AggregationPolicy, error) {
	return domain.ParseAggregationPolicy(c.Aggregation)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return domain.Configf(domain.ErrConfig, "workers must be at least 1, got %d", c.Workers)
	}
	if c.WorkDir == "" {
		return domain.Configf(domain.ErrConfig, "work_dir is required")
	}
	if c.Shell == "" {
		return domain.Configf(domain.ErrConfig, "shell is required")
	}
	if c.KillGrace < 0 {
		return domain.Configf(domain.ErrConfig, "kill_grace must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return domain.Configf(domain.ErrConfig, "unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return domain.Configf(domain.ErrConfig, "unknown log format %q", c.LogFormat)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}
