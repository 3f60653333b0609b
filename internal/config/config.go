// Package config provides configuration loading for segmentd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables with the SEGMENTD_ prefix. Each section maps to the config type
// of the package that consumes it.
package config

import (
	"fmt"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/segmentd/internal/analysis"
	"github.com/fyrsmithlabs/segmentd/internal/logging"
	"github.com/fyrsmithlabs/segmentd/internal/validation"
	"github.com/fyrsmithlabs/segmentd/internal/volumecache"
)

// Config holds the complete segmentd configuration.
type Config struct {
	Logging    logging.Config     `koanf:"logging"`
	Cache      volumecache.Config `koanf:"cache"`
	Analysis   analysis.Config    `koanf:"analysis"`
	Validation validation.Rules   `koanf:"validation"`

	// k retains the loaded tree so callers can unmarshal sections this
	// package does not depend on (telemetry).
	k *koanf.Koanf
}

// NewDefaultConfig returns the configuration used when no file or
// environment overrides are present.
func NewDefaultConfig() *Config {
	return &Config{
		Logging:    *logging.NewDefaultConfig(),
		Cache:      *volumecache.DefaultConfig(),
		Analysis:   analysis.DefaultConfig(),
		Validation: validation.DefaultRules(),
	}
}

// Section unmarshals a named section of the loaded configuration into out.
//
// Sections absent from the file and environment leave out unchanged, so
// callers pass a struct pre-populated with defaults. Returns nil when the
// config was never loaded from a file (defaults only).
func (c *Config) Section(path string, out any) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal config section %s: %w", path, err)
	}
	return nil
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}
