// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package config loads and validates the Vestige daemon configuration.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// Config is the top-level Vestige configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Database DatabaseConfig `mapstructure:"database"`
	Index    IndexConfig    `mapstructure:"index"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig controls the primary event store.
type DatabaseConfig struct {
	Filename string `mapstructure:"filename"`
}

// IndexConfig controls the full-text index sidecar.
type IndexConfig struct {
	Dir             string `mapstructure:"dir"`
	FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DBPath is the resolved path of the event database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.Database.Filename)
}

// IndexDir is the resolved path of the text-index directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, c.Index.Dir)
}

// DefaultDataDir places the data directory under XDG_DATA_HOME, falling
// back to ~/.local/share.
func DefaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "vestige"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "vestige")
}

// SetDefaults installs the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("database.filename", "activity.sqlite")
	v.SetDefault("index.dir", "fts")
	v.SetDefault("index.flush_interval_ms", 500)
	v.SetDefault("logging.level", "info")
	v.SetDefault("verbose", false)
}

// SetupEnv binds environment variable overrides (prefix VESTIGE_).
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("VESTIGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, vestigeerr.Errorf(vestigeerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// Validate checks the configuration for logical errors, collecting all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue,
			"config: data_dir must not be empty"))
	}
	if c.Database.Filename == "" {
		errs = append(errs, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue,
			"config: database.filename must not be empty"))
	}
	if c.Index.Dir == "" {
		errs = append(errs, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue,
			"config: index.dir must not be empty"))
	}
	if c.Index.FlushIntervalMS <= 0 {
		errs = append(errs, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue,
			"config: index.flush_interval_ms must be positive, got %d", c.Index.FlushIntervalMS))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, vestigeerr.Errorf(vestigeerr.CodeConfigValidateInvalidValue,
			"config: logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	return errs
}
