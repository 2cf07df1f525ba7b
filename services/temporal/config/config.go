// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from defaults, a YAML file and
// CHRONO_* environment variables, in that order of precedence (lowest
// first), then validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the full engine configuration.
type Config struct {
	// DataDir holds the store. Ignored by the memory backend.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Backend selects the storage implementation.
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=badger sqlite memory"`

	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Versions  VersionConfig   `yaml:"versions" envPrefix:"VERSIONS_"`
	Snapshots SnapshotConfig  `yaml:"snapshots" envPrefix:"SNAPSHOTS_"`
	Badger    BadgerConfig    `yaml:"badger" envPrefix:"BADGER_"`
	SQLite    SQLiteConfig    `yaml:"sqlite" envPrefix:"SQLITE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

// CacheConfig sizes the reconstructed-state cache.
type CacheConfig struct {
	// Size is the number of states kept. 0 disables the cache.
	Size int `yaml:"size" env:"SIZE" validate:"gte=0"`
}

// VersionConfig tunes version payload encoding.
type VersionConfig struct {
	// MaxDeltaChain bounds consecutive delta payloads. 0 disables deltas.
	MaxDeltaChain int `yaml:"max_delta_chain" env:"MAX_DELTA_CHAIN" validate:"gte=0,lte=64"`

	// DeltaMinSavings is the fraction of the value a delta must save.
	DeltaMinSavings float64 `yaml:"delta_min_savings" env:"DELTA_MIN_SAVINGS" validate:"gte=0,lte=1"`
}

// SnapshotConfig tunes snapshot storage.
type SnapshotConfig struct {
	CompressionLevel int    `yaml:"compression_level" env:"COMPRESSION_LEVEL" validate:"gte=1,lte=22"`
	MaxStateBytes    uint64 `yaml:"max_state_bytes" env:"MAX_STATE_BYTES" validate:"gt=0"`
}

// BadgerConfig tunes the Badger backend.
type BadgerConfig struct {
	SyncWrites     bool          `yaml:"sync_writes" env:"SYNC_WRITES"`
	GCInterval     time.Duration `yaml:"gc_interval" env:"GC_INTERVAL" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" env:"GC_DISCARD_RATIO" validate:"gte=0,lte=1"`
}

// SQLiteConfig tunes the SQLite backend.
type SQLiteConfig struct {
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS" validate:"gte=0"`
	Synchronous   string `yaml:"synchronous" env:"SYNCHRONOUS" validate:"oneof=OFF NORMAL FULL EXTRA"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// TelemetryConfig configures traces and metrics export.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" env:"METRIC_EXPORTER" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the collector gRPC address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"EXPORTER_OTLP_ENDPOINT" validate:"required_if=TraceExporter otlp"`

	// MetricsAddr serves /metrics when MetricExporter is prometheus.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "CHRONO_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Backend: BackendBadger,
		Cache:   CacheConfig{Size: 256},
		Versions: VersionConfig{
			MaxDeltaChain:   8,
			DeltaMinSavings: 0.25,
		},
		Snapshots: SnapshotConfig{
			CompressionLevel: 3,
			MaxStateBytes:    256 << 20,
		},
		Badger: BadgerConfig{
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMS: 10_000,
			Synchronous:   "NORMAL",
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:    "chrono",
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

// DefaultDataDir returns ~/.chrono/data, or ./chrono-data when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chrono-data"
	}
	return filepath.Join(home, ".chrono", "data")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil if the file cannot be read or parsed, an environment
//	  variable is malformed, or validation fails.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if c.Backend != BackendMemory && strings.TrimSpace(c.DataDir) == "" {
		return errors.New("invalid config: data_dir is required for persistent backends")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Write saves c as YAML at path, creating parent directories.
func (c Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
