// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query evaluates temporal queries over the version and snapshot
// stores.
//
// Entity-scoped queries (AsOf, Between) go straight to the version store.
// Whole-state queries reconstruct: load the nearest verified snapshot at or
// before the tick, anywhere in the timeline's lineage, then replay every
// version written after it in tick order. Snapshots change the cost of a
// reconstruction, never its result.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianChrono/pkg/logging"
	"github.com/AleutianAI/AleutianChrono/services/temporal/cache"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Versions is the slice of the version store the engine reads.
type Versions interface {
	GetAt(ctx context.Context, tl model.TimelineID, entityID string, tick model.Tick) (model.EntityVersion, error)
	History(ctx context.Context, tl model.TimelineID, entityID string, start, end model.Tick) iter.Seq2[model.EntityVersion, error]
	ChangesBetween(ctx context.Context, tl model.TimelineID, after, upto model.Tick) iter.Seq2[model.EntityVersion, error]
}

// Snapshots is the slice of the snapshot manager the engine reads.
type Snapshots interface {
	FindBefore(tl model.TimelineID, tick model.Tick, skip func(model.Snapshot) bool) (model.Snapshot, bool)
	ReadState(ctx context.Context, id model.SnapshotID) ([]byte, model.Snapshot, error)
}

// Timelines resolves ancestry and write generations.
type Timelines interface {
	Lineage(id model.TimelineID) ([]model.Timeline, error)
	LineageGeneration(id model.TimelineID) uint64
}

// Options configures the engine.
type Options struct {
	// CacheSize is the number of reconstructed states kept. 0 disables.
	CacheSize int

	// HashFn hashes canonical state encodings. Required.
	HashFn model.HashFunc

	// Logger for query events. Default: slog.Default().
	Logger *slog.Logger
}

// Reconstruction is a whole state at a tick.
type Reconstruction struct {
	Timeline model.TimelineID
	Tick     model.Tick

	// State is shared with the cache. Callers must not mutate it.
	State model.State

	// Encoded is the canonical encoding of State; Hash is its digest.
	Encoded []byte
	Hash    model.StateHash

	// SnapshotID is 0 and SnapshotTick is model.NoTick when replay started
	// from tick zero.
	SnapshotID   model.SnapshotID
	SnapshotTick model.Tick

	// TicksReplayed is Tick minus the base tick (0 when replaying from
	// scratch).
	TicksReplayed int64

	// VersionsApplied counts replayed versions.
	VersionsApplied int

	// Skipped lists corrupt snapshots stepped past.
	Skipped []model.SnapshotID
}

// Comparison is the result of comparing two timelines at one tick.
type Comparison struct {
	TimelineA model.TimelineID `json:"timeline_a"`
	TimelineB model.TimelineID `json:"timeline_b"`
	Tick      model.Tick       `json:"tick"`
	Equal     bool             `json:"equal"`
	HashA     model.StateHash  `json:"hash_a"`
	HashB     model.StateHash  `json:"hash_b"`

	// DiffEntities lists entities whose values differ, sorted. Entities
	// present on one side only are included.
	DiffEntities []string `json:"diff_entities,omitempty"`
}

// Stats reports engine activity.
type Stats struct {
	Reconstructions  int64       `json:"reconstructions"`
	CorruptFallbacks int64       `json:"corrupt_fallbacks"`
	Cache            cache.Stats `json:"cache"`
}

// Engine evaluates temporal queries.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	versions  Versions
	snapshots Snapshots
	timelines Timelines
	hashFn    model.HashFunc
	logger    *slog.Logger
	cache     *cache.Cache[*Reconstruction]

	reconstructions  atomic.Int64
	corruptFallbacks atomic.Int64
}

// NewEngine creates a query engine.
func NewEngine(versions Versions, snapshots Snapshots, timelines Timelines, opts Options) (*Engine, error) {
	if versions == nil || snapshots == nil || timelines == nil {
		return nil, errors.New("versions, snapshots and timelines are required")
	}
	if opts.HashFn == nil {
		return nil, errors.New("hash function is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		versions:  versions,
		snapshots: snapshots,
		timelines: timelines,
		hashFn:    opts.HashFn,
		logger:    opts.Logger.With(slog.String("component", "query_engine")),
		cache:     cache.New[*Reconstruction](opts.CacheSize),
	}, nil
}

// -----------------------------------------------------------------------------
// Entity queries
// -----------------------------------------------------------------------------

// AsOf returns the value of entity at tick on timeline tl.
//
// Outputs:
//
//	[]byte - The value.
//	error - model.ErrNotFound if the entity did not exist or was deleted.
func (e *Engine) AsOf(ctx context.Context, tl model.TimelineID, entityID string, tick model.Tick) ([]byte, error) {
	v, err := e.versions.GetAt(ctx, tl, entityID, tick)
	if err != nil {
		return nil, err
	}
	if v.IsDelete() {
		return nil, fmt.Errorf("%w: entity %q deleted at tick %d", model.ErrNotFound, entityID, v.CreatedTick)
	}
	return v.Value, nil
}

// Between yields versions of entity created within [start, end), ascending.
func (e *Engine) Between(ctx context.Context, tl model.TimelineID, entityID string, start, end model.Tick) iter.Seq2[model.EntityVersion, error] {
	return e.versions.History(ctx, tl, entityID, start, end)
}

// FullHistory yields every version of entity visible from tl.
func (e *Engine) FullHistory(ctx context.Context, tl model.TimelineID, entityID string) iter.Seq2[model.EntityVersion, error] {
	return e.versions.History(ctx, tl, entityID, 0, model.Tick(math.MaxInt64))
}

// -----------------------------------------------------------------------------
// Whole-state queries
// -----------------------------------------------------------------------------

// StateAt reconstructs the whole state of tl at tick.
//
// Description:
//
//	Serves from the cache when the lineage has not been written since the
//	entry was built. Otherwise finds the nearest snapshot at or before
//	tick across the lineage, stepping past snapshots that fail
//	verification, and replays the versions written after it.
//
// Outputs:
//
//	*Reconstruction - The state. Never built from unverified bytes.
//	error - model.ErrInsufficientHistory if replay needs pruned history;
//	  model.ErrUnknownTimeline; storage errors.
func (e *Engine) StateAt(ctx context.Context, tl model.TimelineID, tick model.Tick) (*Reconstruction, error) {
	if ctx == nil {
		return nil, model.ErrNilContext
	}
	if err := model.ValidateTick(tick); err != nil {
		return nil, err
	}

	// Read the generation before building so a concurrent write tags the
	// entry stale.
	gen := e.timelines.LineageGeneration(tl)
	r, _, err := e.cache.GetOrLoad(ctx, cache.Key{Timeline: tl, Tick: tick}, gen,
		func(ctx context.Context) (*Reconstruction, error) {
			return e.reconstruct(ctx, tl, tick)
		})
	return r, err
}

func (e *Engine) reconstruct(ctx context.Context, tl model.TimelineID, tick model.Tick) (*Reconstruction, error) {
	ctx, span := tracer.Start(ctx, "query.Reconstruct",
		trace.WithAttributes(
			attribute.Int64("timeline_id", int64(tl)),
			attribute.Int64("tick", int64(tick)),
		),
	)
	defer span.End()
	start := time.Now()
	logger := logging.WithTrace(ctx, e.logger)

	lin, err := e.timelines.Lineage(tl)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// ticks[i] is the latest tick of lin[i] visible from lin[0].
	ticks := make([]model.Tick, len(lin))
	ticks[0] = tick
	for i := 1; i < len(lin); i++ {
		ticks[i] = min(ticks[i-1], lin[i-1].BranchPointTick)
	}

	r := &Reconstruction{
		Timeline:     tl,
		Tick:         tick,
		State:        model.State{},
		SnapshotTick: model.NoTick,
	}
	baseLevel, baseTick := len(lin)-1, model.NoTick

	bad := make(map[model.SnapshotID]bool)
search:
	for i, node := range lin {
		skip := func(s model.Snapshot) bool {
			return bad[s.ID] || (node.HasBranchPoint && s.Tick < node.BranchPointTick)
		}
		for {
			snap, ok := e.snapshots.FindBefore(node.ID, ticks[i], skip)
			if !ok {
				break
			}
			state, err := e.loadSnapshotState(ctx, snap.ID)
			if errors.Is(err, model.ErrIntegrity) || errors.Is(err, model.ErrMalformedState) {
				bad[snap.ID] = true
				r.Skipped = append(r.Skipped, snap.ID)
				e.corruptFallbacks.Add(1)
				reconstructCorruptSnapshots.Inc()
				logger.Warn("skipping corrupt snapshot",
					slog.Uint64("snapshot_id", uint64(snap.ID)),
					slog.Uint64("timeline_id", uint64(node.ID)),
					slog.Int64("snapshot_tick", int64(snap.Tick)),
					slog.String("error", err.Error()))
				continue
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "snapshot read failed")
				return nil, err
			}
			r.State = state
			r.SnapshotID = snap.ID
			r.SnapshotTick = snap.Tick
			baseLevel, baseTick = i, snap.Tick
			break search
		}
	}

	for j := baseLevel; j >= 0; j-- {
		node := lin[j]
		lo := node.BranchPointTick
		if j == baseLevel {
			lo = baseTick
		}
		hi := ticks[j]
		if hi <= lo {
			continue
		}
		if node.HistoryFloor > 0 && lo+1 < node.HistoryFloor {
			reconstructErrors.WithLabelValues("insufficient_history").Inc()
			err := fmt.Errorf("%w: timeline %q needs ticks from %d, history floor is %d",
				model.ErrInsufficientHistory, node.Name, lo+1, node.HistoryFloor)
			span.RecordError(err)
			span.SetStatus(codes.Error, "insufficient history")
			return nil, err
		}
		for v, err := range e.versions.ChangesBetween(ctx, node.ID, lo, hi) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "replay failed")
				return nil, fmt.Errorf("replay timeline %d: %w", node.ID, err)
			}
			r.State.Apply(v)
			r.VersionsApplied++
		}
	}

	r.TicksReplayed = int64(tick - max(baseTick, 0))
	r.Encoded = r.State.Encode()
	r.Hash = e.hashFn(r.Encoded)

	e.reconstructions.Add(1)
	reconstructDuration.Observe(time.Since(start).Seconds())
	reconstructTicksReplayed.Observe(float64(r.TicksReplayed))
	span.SetAttributes(
		attribute.Int64("snapshot_id", int64(r.SnapshotID)),
		attribute.Int64("ticks_replayed", r.TicksReplayed),
		attribute.Int("versions_applied", r.VersionsApplied),
		attribute.Int("snapshots_skipped", len(r.Skipped)),
	)
	logger.Debug("state reconstructed",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int64("tick", int64(tick)),
		slog.Uint64("snapshot_id", uint64(r.SnapshotID)),
		slog.Int64("ticks_replayed", r.TicksReplayed),
		slog.Int("versions_applied", r.VersionsApplied))
	return r, nil
}

func (e *Engine) loadSnapshotState(ctx context.Context, id model.SnapshotID) (model.State, error) {
	data, _, err := e.snapshots.ReadState(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.DecodeState(data)
}

// Compare reconstructs both timelines at tick and diffs them.
//
// Description:
//
//	Equality is decided on the hashes of canonical encodings. On mismatch
//	the entity-wise diff is computed from the decoded states, never from
//	raw bytes.
func (e *Engine) Compare(ctx context.Context, a, b model.TimelineID, tick model.Tick) (Comparison, error) {
	ctx, span := tracer.Start(ctx, "query.Compare",
		trace.WithAttributes(
			attribute.Int64("timeline_a", int64(a)),
			attribute.Int64("timeline_b", int64(b)),
			attribute.Int64("tick", int64(tick)),
		),
	)
	defer span.End()

	ra, err := e.StateAt(ctx, a, tick)
	if err != nil {
		span.RecordError(err)
		return Comparison{}, fmt.Errorf("reconstruct timeline %d: %w", a, err)
	}
	rb, err := e.StateAt(ctx, b, tick)
	if err != nil {
		span.RecordError(err)
		return Comparison{}, fmt.Errorf("reconstruct timeline %d: %w", b, err)
	}

	c := Comparison{
		TimelineA: a,
		TimelineB: b,
		Tick:      tick,
		HashA:     ra.Hash,
		HashB:     rb.Hash,
		Equal:     ra.Hash == rb.Hash,
	}
	if !c.Equal {
		c.DiffEntities = model.DiffStates(ra.State, rb.State)
	}
	span.SetAttributes(attribute.Bool("equal", c.Equal), attribute.Int("diff_entities", len(c.DiffEntities)))
	return c, nil
}

// Stats reports reconstruction and cache activity.
func (e *Engine) Stats() Stats {
	return Stats{
		Reconstructions:  e.reconstructions.Load(),
		CorruptFallbacks: e.corruptFallbacks.Load(),
		Cache:            e.cache.Stats(),
	}
}

// InvalidateTimeline drops cached states of tl.
func (e *Engine) InvalidateTimeline(tl model.TimelineID) {
	e.cache.InvalidateTimeline(tl)
}

// ClearCache drops every cached state. Called when snapshots are added,
// pruned or found corrupt.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}
