// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package temporal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChrono/pkg/logging"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/snapshot"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotOptions configures CreateSnapshot.
type SnapshotOptions struct {
	Label string
}

// CreateSnapshot captures caller-supplied state on the active timeline.
//
// Description:
//
//	state must be a canonical model.State encoding; reconstruction replays
//	versions on top of it. The timeline must be Active and tick must not
//	precede its branch point.
//
// Outputs:
//
//	model.Snapshot - The persisted record.
//	error - model.ErrArchivedTimeline, model.ErrInvalidOrder,
//	  model.ErrMalformedState, model.ErrInvalidTick.
func (e *Engine) CreateSnapshot(ctx context.Context, tick model.Tick, state []byte, opts SnapshotOptions) (model.Snapshot, error) {
	if err := e.check(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if _, err := model.DecodeState(state); err != nil {
		observe("create_snapshot", err)
		return model.Snapshot{}, err
	}
	snap, err := e.createSnapshot(ctx, e.activeID(), tick, state, opts)
	observe("create_snapshot", err)
	return snap, err
}

func (e *Engine) createSnapshot(ctx context.Context, tl model.TimelineID, tick model.Tick, state []byte, opts SnapshotOptions) (model.Snapshot, error) {
	if err := model.ValidateTick(tick); err != nil {
		return model.Snapshot{}, err
	}
	t, err := e.timelines.Get(tl)
	if err != nil {
		return model.Snapshot{}, err
	}
	if !t.IsActive() {
		return model.Snapshot{}, fmt.Errorf("%w: timeline %q is %s", model.ErrArchivedTimeline, t.Name, t.Status)
	}
	if t.HasBranchPoint && tick < t.BranchPointTick {
		return model.Snapshot{}, fmt.Errorf("%w: snapshot tick %d precedes branch point %d of timeline %q",
			model.ErrInvalidOrder, tick, t.BranchPointTick, t.Name)
	}

	snap, err := e.snapshots.Create(ctx, tl, tick, state, snapshot.CreateOptions{Label: opts.Label})
	if err != nil {
		return model.Snapshot{}, err
	}
	e.query.ClearCache()
	return snap, nil
}

// CaptureSnapshot reconstructs the active timeline at tick and snapshots it.
func (e *Engine) CaptureSnapshot(ctx context.Context, tick model.Tick, label string) (model.Snapshot, error) {
	if err := e.check(ctx); err != nil {
		return model.Snapshot{}, err
	}
	tl := e.activeID()
	r, err := e.query.StateAt(ctx, tl, tick)
	if err != nil {
		observe("capture_snapshot", err)
		return model.Snapshot{}, err
	}
	snap, err := e.createSnapshot(ctx, tl, tick, r.Encoded, SnapshotOptions{Label: label})
	observe("capture_snapshot", err)
	return snap, err
}

// VerifySnapshot recomputes a snapshot's hash. It never repairs.
//
// Outputs:
//
//	bool - False when the payload is corrupt or undecodable.
//	error - model.ErrUnknownSnapshot or a storage error.
func (e *Engine) VerifySnapshot(ctx context.Context, id model.SnapshotID) (bool, error) {
	if err := e.check(ctx); err != nil {
		return false, err
	}
	ok, err := e.snapshots.Verify(ctx, id, snapshot.SHA256)
	observe("verify_snapshot", err)
	if err == nil && !ok {
		// Cached states may have been built from the payload before it
		// went bad.
		e.query.ClearCache()
		logging.WithTrace(ctx, e.logger).Warn("snapshot failed verification", slog.Uint64("snapshot_id", uint64(id)))
	}
	return ok, err
}

// Snapshot returns a snapshot record.
func (e *Engine) Snapshot(ctx context.Context, id model.SnapshotID) (model.Snapshot, error) {
	if err := e.check(ctx); err != nil {
		return model.Snapshot{}, err
	}
	return e.snapshots.Get(id)
}

// Snapshots lists a timeline's snapshots ordered by tick.
func (e *Engine) Snapshots(ctx context.Context, tl model.TimelineID) ([]model.Snapshot, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	if _, err := e.timelines.Get(tl); err != nil {
		return nil, err
	}
	return e.snapshots.List(tl), nil
}

// -----------------------------------------------------------------------------
// Travel
// -----------------------------------------------------------------------------

// TravelResult is the whole state of the active timeline at a tick.
type TravelResult struct {
	Timeline model.TimelineID `json:"timeline_id"`
	Tick     model.Tick       `json:"tick"`

	// State is the canonical model.State encoding.
	State []byte          `json:"-"`
	Hash  model.StateHash `json:"state_hash"`

	// SnapshotID is 0 when replay started from tick zero; SnapshotTick is
	// model.NoTick then.
	SnapshotID    model.SnapshotID   `json:"snapshot_id,omitempty"`
	SnapshotTick  model.Tick         `json:"snapshot_tick"`
	TicksReplayed int64              `json:"ticks_replayed"`
	Skipped       []model.SnapshotID `json:"skipped_snapshots,omitempty"`
}

// HasSnapshot reports whether reconstruction started from a snapshot.
func (r TravelResult) HasSnapshot() bool {
	return r.SnapshotID != 0
}

// Decode returns State as a map.
func (r TravelResult) Decode() (model.State, error) {
	return model.DecodeState(r.State)
}

// TravelTo reconstructs the active timeline's state at tick.
//
// Description:
//
//	Uses the nearest verified snapshot at or before tick and replays the
//	versions after it. Corrupt snapshots are stepped past; their bytes are
//	never returned.
//
// Outputs:
//
//	TravelResult - The state and how it was built.
//	error - model.ErrInsufficientHistory if the replay range was pruned.
func (e *Engine) TravelTo(ctx context.Context, tick model.Tick) (TravelResult, error) {
	if err := e.check(ctx); err != nil {
		return TravelResult{}, err
	}
	tl := e.activeID()
	ctx, span := tracer.Start(ctx, "temporal.TravelTo",
		trace.WithAttributes(
			attribute.Int64("timeline_id", int64(tl)),
			attribute.Int64("tick", int64(tick)),
		),
	)
	defer span.End()
	start := time.Now()

	r, err := e.query.StateAt(ctx, tl, tick)
	observe("travel", err)
	engineTravelDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconstruction failed")
		return TravelResult{}, err
	}

	if len(r.Skipped) > 0 {
		logging.WithTrace(ctx, e.logger).Warn("travel fell back past corrupt snapshots",
			slog.Uint64("timeline_id", uint64(tl)),
			slog.Int64("tick", int64(tick)),
			slog.Any("skipped", r.Skipped))
	}
	return TravelResult{
		Timeline:      tl,
		Tick:          tick,
		State:         bytes.Clone(r.Encoded),
		Hash:          r.Hash,
		SnapshotID:    r.SnapshotID,
		SnapshotTick:  r.SnapshotTick,
		TicksReplayed: r.TicksReplayed,
		Skipped:       append([]model.SnapshotID(nil), r.Skipped...),
	}, nil
}

// -----------------------------------------------------------------------------
// Pruning
// -----------------------------------------------------------------------------

// PruneResult reports what PruneBefore removed.
type PruneResult struct {
	Timeline           model.TimelineID `json:"timeline_id"`
	HistoryFloor       model.Tick       `json:"history_floor"`
	SnapshotsDeleted   int              `json:"snapshots_deleted"`
	TickEntriesDeleted int              `json:"tick_entries_deleted"`
}

// PruneBefore discards whole-state history of tl before tick.
//
// Description:
//
//	Raises the timeline's history floor to tick first, then deletes
//	snapshots and change-log entries older than tick. Version records are
//	kept, so entity queries are unaffected. Reconstructions that would
//	need the discarded range fail with model.ErrInsufficientHistory.
func (e *Engine) PruneBefore(ctx context.Context, tl model.TimelineID, tick model.Tick) (PruneResult, error) {
	if err := e.check(ctx); err != nil {
		return PruneResult{}, err
	}
	if err := model.ValidateTick(tick); err != nil {
		return PruneResult{}, err
	}
	ctx, span := tracer.Start(ctx, "temporal.PruneBefore",
		trace.WithAttributes(
			attribute.Int64("timeline_id", int64(tl)),
			attribute.Int64("tick", int64(tick)),
		),
	)
	defer span.End()

	res, err := e.pruneBefore(ctx, tl, tick)
	observe("prune", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prune failed")
		return PruneResult{}, err
	}
	e.logger.Info("history pruned",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int64("history_floor", int64(res.HistoryFloor)),
		slog.Int("snapshots_deleted", res.SnapshotsDeleted),
		slog.Int("tick_entries_deleted", res.TickEntriesDeleted))
	return res, nil
}

func (e *Engine) pruneBefore(ctx context.Context, tl model.TimelineID, tick model.Tick) (PruneResult, error) {
	if err := e.timelines.SetHistoryFloor(ctx, tl, tick); err != nil {
		return PruneResult{}, err
	}
	e.query.ClearCache()

	snaps, err := e.snapshots.Prune(ctx, tl, tick)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune snapshots: %w", err)
	}
	entries, err := e.versions.PruneTickIndex(ctx, tl, tick)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune tick index: %w", err)
	}
	t, err := e.timelines.Get(tl)
	if err != nil {
		return PruneResult{}, err
	}
	return PruneResult{
		Timeline:           tl,
		HistoryFloor:       t.HistoryFloor,
		SnapshotsDeleted:   snaps,
		TickEntriesDeleted: entries,
	}, nil
}
