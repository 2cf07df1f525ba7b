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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/AleutianChrono/services/temporal"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/telemetry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// errSnapshotCorrupt makes `chrono verify` exit non-zero.
var errSnapshotCorrupt = errors.New("snapshot failed verification")

// -----------------------------------------------------------------------------
// Entity commands
// -----------------------------------------------------------------------------

func (a *app) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put ENTITY TICK VALUE",
		Short: "Write an entity value at a tick",
		Args:  cobra.ExactArgs(3),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[1])
			if err != nil {
				return err
			}
			v, err := e.Put(cmd.Context(), args[0], tick, []byte(args[2]))
			if err != nil {
				return err
			}
			return a.print(cmd, versionView(v), func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d %s at tick %d\n", v.EntityID, v.VersionNumber, v.Operation, v.CreatedTick)
			})
		}),
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ENTITY TICK",
		Short: "Delete an entity at a tick",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[1])
			if err != nil {
				return err
			}
			v, err := e.Delete(cmd.Context(), args[0], tick)
			if err != nil {
				return err
			}
			return a.print(cmd, versionView(v), func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted at tick %d\n", v.EntityID, v.CreatedTick)
			})
		}),
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ENTITY TICK",
		Short: "Print an entity value as of a tick",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[1])
			if err != nil {
				return err
			}
			v, err := e.AsOf(cmd.Context(), args[0], tick)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]string{"entity": args[0], "value": string(v)}, func() {
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
			})
		}),
	}
}

func (a *app) historyCmd() *cobra.Command {
	var start, end int64
	cmd := &cobra.Command{
		Use:   "history ENTITY",
		Short: "List an entity's versions",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			var views []versionJSON
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				if !cmd.Flags().Changed("end") {
					end = int64(^uint64(0) >> 1)
				}
				versions, err := e.Between(cmd.Context(), args[0], model.Tick(start), model.Tick(end))
				if err != nil {
					return err
				}
				for _, v := range versions {
					views = append(views, versionView(v))
				}
			} else {
				for v, err := range e.History(cmd.Context(), args[0]) {
					if err != nil {
						return err
					}
					views = append(views, versionView(v))
				}
			}
			return a.print(cmd, views, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tTICK\tOP\tTIMELINE\tVALUE")
				for _, v := range views {
					fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", v.Version, v.Tick, v.Operation, v.Timeline, v.Value)
				}
				w.Flush()
			})
		}),
	}
	cmd.Flags().Int64Var(&start, "start", 0, "first tick (inclusive)")
	cmd.Flags().Int64Var(&end, "end", 0, "last tick (exclusive)")
	return cmd
}

// -----------------------------------------------------------------------------
// Snapshot commands
// -----------------------------------------------------------------------------

func (a *app) snapshotCmd() *cobra.Command {
	var (
		label     string
		stateFile string
		set       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "snapshot TICK",
		Short: "Store caller-supplied state as a snapshot",
		Long: `Store a snapshot of explicit state. State comes from a JSON object
file (--state) and/or --set entity=value pairs; --set wins on conflicts.`,
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[0])
			if err != nil {
				return err
			}
			state := model.State{}
			if stateFile != "" {
				data, err := os.ReadFile(stateFile)
				if err != nil {
					return fmt.Errorf("read state file: %w", err)
				}
				var values map[string]string
				if err := json.Unmarshal(data, &values); err != nil {
					return fmt.Errorf("parse state file: %w", err)
				}
				for k, v := range values {
					state[k] = []byte(v)
				}
			}
			for k, v := range set {
				state[k] = []byte(v)
			}
			snap, err := e.CreateSnapshot(cmd.Context(), tick, state.Encode(), temporal.SnapshotOptions{Label: label})
			if err != nil {
				return err
			}
			return a.printSnapshot(cmd, snap)
		}),
	}
	cmd.Flags().StringVar(&label, "label", "", "snapshot label")
	cmd.Flags().StringVar(&stateFile, "state", "", "JSON object of entity values")
	cmd.Flags().StringToStringVar(&set, "set", nil, "entity=value pairs")
	return cmd
}

func (a *app) captureCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "capture TICK",
		Short: "Snapshot the reconstructed state at a tick",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[0])
			if err != nil {
				return err
			}
			snap, err := e.CaptureSnapshot(cmd.Context(), tick, label)
			if err != nil {
				return err
			}
			return a.printSnapshot(cmd, snap)
		}),
	}
	cmd.Flags().StringVar(&label, "label", "", "snapshot label")
	return cmd
}

func (a *app) snapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List the timeline's snapshots",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			snaps, err := e.Snapshots(cmd.Context(), e.ActiveTimeline().ID)
			if err != nil {
				return err
			}
			return a.print(cmd, snaps, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTICK\tBYTES\tRATIO\tLABEL\tCREATED")
				for _, s := range snaps {
					fmt.Fprintf(w, "%d\t%d\t%d\t%.2f\t%s\t%s\n", s.ID, s.Tick, s.UncompressedSize,
						s.CompressionRatio(), s.Label, s.CreatedTime().Format(time.RFC3339))
				}
				w.Flush()
			})
		}),
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify SNAPSHOT_ID",
		Short: "Recompute a snapshot's hash",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			id, err := parseSnapshotID(args[0])
			if err != nil {
				return err
			}
			ok, err := e.VerifySnapshot(cmd.Context(), id)
			if err != nil {
				return err
			}
			if perr := a.print(cmd, map[string]any{"snapshot_id": id, "valid": ok}, func() {
				status := "ok"
				if !ok {
					status = "CORRUPT"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d: %s\n", id, status)
			}); perr != nil {
				return perr
			}
			if !ok {
				return fmt.Errorf("%w: %d", errSnapshotCorrupt, id)
			}
			return nil
		}),
	}
}

// -----------------------------------------------------------------------------
// Travel and timelines
// -----------------------------------------------------------------------------

func (a *app) travelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "travel TICK",
		Short: "Reconstruct the whole state at a tick",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[0])
			if err != nil {
				return err
			}
			r, err := e.TravelTo(cmd.Context(), tick)
			if err != nil {
				return err
			}
			state, err := r.Decode()
			if err != nil {
				return err
			}
			values := make(map[string]string, len(state))
			for k, v := range state {
				values[k] = string(v)
			}
			view := struct {
				temporal.TravelResult
				Entities map[string]string `json:"entities"`
			}{r, values}
			return a.print(cmd, view, func() {
				out := cmd.OutOrStdout()
				if r.HasSnapshot() {
					fmt.Fprintf(out, "tick %d from snapshot %d at tick %d, %d ticks replayed\n",
						r.Tick, r.SnapshotID, r.SnapshotTick, r.TicksReplayed)
				} else {
					fmt.Fprintf(out, "tick %d replayed from tick 0\n", r.Tick)
				}
				for _, k := range state.Keys() {
					fmt.Fprintf(out, "%s = %s\n", k, state[k])
				}
			})
		}),
	}
}

func (a *app) branchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branch SNAPSHOT_ID NAME",
		Short: "Fork a new timeline at a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			id, err := parseSnapshotID(args[0])
			if err != nil {
				return err
			}
			t, err := e.Branch(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return a.print(cmd, t, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "timeline %d %q branched at tick %d\n", t.ID, t.Name, t.BranchPointTick)
			})
		}),
	}
}

func (a *app) timelinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timelines",
		Short: "List timelines",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tls, err := e.Timelines(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, tls, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tPARENT\tBRANCH\tCURRENT\tSTATUS\tFLOOR")
				for _, t := range tls {
					branch := "-"
					if t.HasBranchPoint {
						branch = strconv.FormatInt(int64(t.BranchPointTick), 10)
					}
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%d\n",
						t.ID, t.Name, t.ParentID, branch, t.CurrentTick, t.Status, t.HistoryFloor)
				}
				w.Flush()
			})
		}),
	}
}

func (a *app) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive NAME",
		Short: "Make a timeline read-only",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			t, err := e.TimelineByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			t, err = e.Archive(cmd.Context(), t.ID)
			if err != nil {
				return err
			}
			return a.print(cmd, t, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "timeline %q is %s\n", t.Name, t.Status)
			})
		}),
	}
}

func (a *app) compareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare TIMELINE_A TIMELINE_B TICK",
		Short: "Compare two timelines at a tick",
		Args:  cobra.ExactArgs(3),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			ctx := cmd.Context()
			ta, err := e.TimelineByName(ctx, args[0])
			if err != nil {
				return err
			}
			tb, err := e.TimelineByName(ctx, args[1])
			if err != nil {
				return err
			}
			tick, err := parseTick(args[2])
			if err != nil {
				return err
			}
			c, err := e.Compare(ctx, ta.ID, tb.ID, tick)
			if err != nil {
				return err
			}
			return a.print(cmd, c, func() {
				out := cmd.OutOrStdout()
				if c.Equal {
					fmt.Fprintf(out, "%s and %s are equal at tick %d\n", ta.Name, tb.Name, tick)
					return
				}
				fmt.Fprintf(out, "%s and %s differ at tick %d:\n", ta.Name, tb.Name, tick)
				for _, id := range c.DiffEntities {
					fmt.Fprintf(out, "  %s\n", id)
				}
			})
		}),
	}
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			s, err := e.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, s, func() {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "store:       %s\n", s.StoreID)
				fmt.Fprintf(out, "timelines:   %d (%d active, %d archived)\n", s.Timelines, s.ActiveTimelines, s.ArchivedTimelines)
				fmt.Fprintf(out, "versions:    %d across %d entities (%d deltas)\n", s.Versions.Versions, s.Versions.Entities, s.Versions.DeltaVersions)
				fmt.Fprintf(out, "snapshots:   %d, %d bytes compressed, ratio %.2f\n", s.Snapshots.Count, s.Snapshots.CompressedBytes, s.Snapshots.CompressionRatio)
				fmt.Fprintf(out, "cache:       %d hits, %d misses\n", s.Query.Cache.Hits, s.Query.Cache.Misses)
				fmt.Fprintf(out, "corrupt snapshot fallbacks: %d\n", s.Query.CorruptFallbacks)
			})
		}),
	}
}

func (a *app) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune TICK",
		Short: "Discard whole-state history before a tick",
		Long: `Raise the timeline's history floor to TICK and delete older snapshots
and change-log entries. Entity lookups keep working; reconstructing a
state that needs the discarded range fails with insufficient history.`,
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			tick, err := parseTick(args[0])
			if err != nil {
				return err
			}
			res, err := e.PruneBefore(cmd.Context(), e.ActiveTimeline().ID, tick)
			if err != nil {
				return err
			}
			return a.print(cmd, res, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "history floor %d: %d snapshots and %d change entries removed\n",
					res.HistoryFloor, res.SnapshotsDeleted, res.TickEntriesDeleted)
			})
		}),
	}
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (a *app) metricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, e *temporal.Engine, args []string) error {
			if addr == "" {
				addr = a.cfg.Telemetry.MetricsAddr
			}
			if addr == "" {
				addr = "127.0.0.1:9464"
			}
			return telemetry.ServeMetrics(cmd.Context(), addr, a.logger.Slog())
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, else 127.0.0.1:9464)")
	return cmd
}

// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

type versionJSON struct {
	Entity    string `json:"entity"`
	Version   uint64 `json:"version"`
	Timeline  uint64 `json:"timeline_id"`
	Tick      int64  `json:"tick"`
	Operation string `json:"operation"`
	Value     string `json:"value,omitempty"`
}

func versionView(v model.EntityVersion) versionJSON {
	return versionJSON{
		Entity:    v.EntityID,
		Version:   v.VersionNumber,
		Timeline:  uint64(v.TimelineID),
		Tick:      int64(v.CreatedTick),
		Operation: v.Operation.String(),
		Value:     string(v.Value),
	}
}

// print writes v as JSON under --json, otherwise runs text.
func (a *app) print(cmd *cobra.Command, v any, text func()) error {
	if !a.jsonOut {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printSnapshot(cmd *cobra.Command, s model.Snapshot) error {
	return a.print(cmd, s, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d at tick %d (%d bytes, hash %s)\n",
			s.ID, s.Tick, s.UncompressedSize, s.StateHash)
	})
}

func parseTick(s string) (model.Tick, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tick %q: %w", s, err)
	}
	tick := model.Tick(n)
	return tick, model.ValidateTick(tick)
}

func parseSnapshotID(s string) (model.SnapshotID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid snapshot id %q", s)
	}
	return model.SnapshotID(n), nil
}
