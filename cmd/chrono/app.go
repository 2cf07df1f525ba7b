// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianChrono/pkg/logging"
	"github.com/AleutianAI/AleutianChrono/services/temporal"
	"github.com/AleutianAI/AleutianChrono/services/temporal/config"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/telemetry"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// app carries global flags and the per-invocation engine.
type app struct {
	configPath string
	dataDir    string
	backend    string
	timeline   string
	logLevel   string
	jsonOut    bool

	cfg      config.Config
	logger   *logging.Logger
	engine   *temporal.Engine
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "chrono",
		Short: "Inspect and drive a tick-indexed temporal store",
		Long: `chrono opens a local temporal store and runs one operation against it:
write entity versions, capture snapshots, travel to a tick, branch
timelines and compare them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.dataDir, "data-dir", "", "store directory (overrides config)")
	flags.StringVar(&a.backend, "backend", "", "storage backend: badger, sqlite or memory (overrides config)")
	flags.StringVarP(&a.timeline, "timeline", "t", model.MainTimelineName, "timeline to operate on")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		a.putCmd(),
		a.deleteCmd(),
		a.getCmd(),
		a.historyCmd(),
		a.snapshotCmd(),
		a.captureCmd(),
		a.snapshotsCmd(),
		a.travelCmd(),
		a.branchCmd(),
		a.timelinesCmd(),
		a.archiveCmd(),
		a.compareCmd(),
		a.verifyCmd(),
		a.statsCmd(),
		a.pruneCmd(),
		a.configCmd(),
		a.metricsCmd(),
	)
	return root
}

// loadConfig resolves the effective configuration from file, environment
// and flags.
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// open loads config, starts logging and telemetry, opens the engine and
// switches to the --timeline timeline.
func (a *app) open(cmd *cobra.Command) (*temporal.Engine, error) {
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	ctx := cmd.Context()

	level, err := logging.ParseLevel(a.cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.cfg.Logging.Dir,
		Service: "chrono",
		JSON:    a.cfg.Logging.JSON || !isTerminal(cmd.ErrOrStderr()),
		Output:  cmd.ErrOrStderr(),
	})

	if a.cfg.Telemetry.Enabled {
		a.shutdown, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName:    a.cfg.Telemetry.ServiceName,
			ServiceVersion: "0.1.0",
			Environment:    "cli",
			TraceExporter:  a.cfg.Telemetry.TraceExporter,
			MetricExporter: a.cfg.Telemetry.MetricExporter,
			OTLPEndpoint:   a.cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	a.engine, err = temporal.OpenWithConfig(ctx, a.cfg, temporal.WithLogger(a.logger.Slog()))
	if err != nil {
		return nil, err
	}
	if _, err := a.engine.SwitchTimelineByName(ctx, a.timeline); err != nil {
		return nil, err
	}
	return a.engine, nil
}

func (a *app) close(ctx context.Context) error {
	var first error
	if a.engine != nil {
		first = a.engine.Close()
		a.engine = nil
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil && first == nil {
			first = err
		}
		a.shutdown = nil
	}
	if a.logger != nil {
		a.logger.Close()
		a.logger = nil
	}
	return first
}

// withEngine adapts an engine-backed handler to cobra's RunE. The engine
// is closed when the handler returns.
func (a *app) withEngine(fn func(cmd *cobra.Command, e *temporal.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := a.open(cmd)
		if err == nil {
			err = fn(cmd, e, args)
		}
		if cerr := a.close(context.WithoutCancel(cmd.Context())); err == nil {
			err = cerr
		}
		return err
	}
}

// isTerminal reports whether w is an interactive terminal. Logs written
// anywhere else are JSON so they stay machine-readable.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
