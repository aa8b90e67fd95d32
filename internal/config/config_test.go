// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestige-dev/vestige/internal/config"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "activity.sqlite", cfg.Database.Filename)
	assert.Equal(t, "fts", cfg.Index.Dir)
	assert.Equal(t, 500, cfg.Index.FlushIntervalMS)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vestige.yaml")

	content := `
data_dir: /var/lib/vestige
index:
  flush_interval_ms: 100
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vestige", cfg.DataDir)
	assert.Equal(t, 100, cfg.Index.FlushIntervalMS)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join("/var/lib/vestige", "activity.sqlite"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/var/lib/vestige", "fts"), cfg.IndexDir())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VESTIGE_LOGGING_LEVEL", "warn")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_ValidationCalledAtLoadTime(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vestige.yaml")

	content := `
logging:
  level: loud
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	_, err := config.Load(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &config.Config{
		Index:   config.IndexConfig{FlushIntervalMS: -1},
		Logging: config.LoggingConfig{Level: "info"},
	}
	errs := cfg.Validate()
	assert.Len(t, errs, 4, "data_dir, filename, index.dir, flush interval")
}

func TestDefaultDataDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-test")
	assert.Equal(t, filepath.Join("/tmp/xdg-test", "vestige"), config.DefaultDataDir())
}
