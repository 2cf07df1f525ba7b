// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, 8, cfg.Versions.MaxDeltaChain)
	assert.Equal(t, 3, cfg.Snapshots.CompressionLevel)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Cache, cfg.Cache)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chrono.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/chrono
backend: sqlite
cache:
  size: 16
badger:
  gc_interval: 90s
logging:
  level: debug
`), 0o600))

	t.Setenv("CHRONO_CACHE_SIZE", "32")
	t.Setenv("CHRONO_LOG_JSON", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chrono", cfg.DataDir)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, 32, cfg.Cache.Size, "environment overrides file")
	assert.Equal(t, 90*time.Second, cfg.Badger.GCInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "NORMAL", cfg.SQLite.Synchronous, "unset keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backend: [\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("CHRONO_CACHE_SIZE", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "rocks" }, "Backend"},
		{"negative cache", func(c *Config) { c.Cache.Size = -1 }, "Size"},
		{"compression level", func(c *Config) { c.Snapshots.CompressionLevel = 0 }, "CompressionLevel"},
		{"savings above one", func(c *Config) { c.Versions.DeltaMinSavings = 1.5 }, "DeltaMinSavings"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"otlp without endpoint", func(c *Config) {
			c.Telemetry.TraceExporter = "otlp"
			c.Telemetry.OTLPEndpoint = ""
		}, "OTLPEndpoint"},
		{"missing data dir", func(c *Config) { c.DataDir = " " }, "data_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("memory backend needs no data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendMemory
		cfg.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_WriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chrono.yaml")
	cfg := DefaultConfig()
	cfg.Backend = BackendSQLite
	cfg.Cache.Size = 7
	require.NoError(t, cfg.Write(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
