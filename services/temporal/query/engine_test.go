// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/snapshot"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage/badger"
	"github.com/AleutianAI/AleutianChrono/services/temporal/timeline"
	"github.com/AleutianAI/AleutianChrono/services/temporal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend   storage.Backend
	timelines *timeline.Manager
	versions  *version.Store
	snapshots *snapshot.Manager
	engine    *Engine
	entities  map[string]bool
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	backend, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	tm, err := timeline.NewManager(backend, nil)
	require.NoError(t, err)
	require.NoError(t, tm.Load(ctx))
	_, err = tm.EnsureMain(ctx)
	require.NoError(t, err)

	vs, err := version.NewStore(backend, tm, version.DefaultOptions())
	require.NoError(t, err)

	sm, err := snapshot.NewManager(backend, snapshot.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(sm.Close)
	require.NoError(t, sm.Load(ctx))

	eng, err := NewEngine(vs, sm, tm, Options{CacheSize: cacheSize, HashFn: snapshot.SHA256})
	require.NoError(t, err)

	return &fixture{
		backend:   backend,
		timelines: tm,
		versions:  vs,
		snapshots: sm,
		engine:    eng,
		entities:  make(map[string]bool),
	}
}

func (f *fixture) put(t *testing.T, tl model.TimelineID, entity string, tick model.Tick, value string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.versions.PutVersion(ctx, tl, entity, tick, model.OpUpdate, []byte(value))
	require.NoError(t, err)
	require.NoError(t, f.timelines.Advance(ctx, tl, tick))
	f.entities[entity] = true
}

func (f *fixture) del(t *testing.T, tl model.TimelineID, entity string, tick model.Tick) {
	t.Helper()
	ctx := context.Background()
	_, err := f.versions.PutVersion(ctx, tl, entity, tick, model.OpDelete, nil)
	require.NoError(t, err)
	require.NoError(t, f.timelines.Advance(ctx, tl, tick))
}

// snapshotAt captures the reconstructed state of tl at tick.
func (f *fixture) snapshotAt(t *testing.T, tl model.TimelineID, tick model.Tick) model.Snapshot {
	t.Helper()
	ctx := context.Background()
	r, err := f.engine.StateAt(ctx, tl, tick)
	require.NoError(t, err)
	snap, err := f.snapshots.Create(ctx, tl, tick, r.Encoded, snapshot.CreateOptions{})
	require.NoError(t, err)
	return snap
}

// expected builds the state at tick from per-entity AsOf lookups.
func (f *fixture) expected(t *testing.T, tl model.TimelineID, tick model.Tick) model.State {
	t.Helper()
	out := model.State{}
	for entity := range f.entities {
		v, err := f.engine.AsOf(context.Background(), tl, entity, tick)
		if err != nil {
			require.ErrorIs(t, err, model.ErrNotFound)
			continue
		}
		out[entity] = v
	}
	return out
}

func (f *fixture) corrupt(t *testing.T, id model.SnapshotID) {
	t.Helper()
	require.NoError(t, f.backend.Put(context.Background(), model.SnapshotDataKey(id), []byte("garbage")))
}

// -----------------------------------------------------------------------------
// Entity queries
// -----------------------------------------------------------------------------

func TestEngine_AsOf(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.put(t, model.MainTimelineID, "e1", 10, "A")
	f.put(t, model.MainTimelineID, "e1", 20, "B")
	f.del(t, model.MainTimelineID, "e1", 30)

	tests := []struct {
		tick    model.Tick
		want    string
		wantErr error
	}{
		{5, "", model.ErrNotFound},
		{10, "A", nil},
		{19, "A", nil},
		{20, "B", nil},
		{30, "", model.ErrNotFound},
		{1000, "", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("tick %d", tt.tick), func(t *testing.T) {
			got, err := f.engine.AsOf(ctx, model.MainTimelineID, "e1", tt.tick)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEngine_BetweenAndFullHistory(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, tick := range []model.Tick{10, 20, 30, 40} {
		f.put(t, model.MainTimelineID, "e1", tick, fmt.Sprintf("v%d", tick))
	}

	var ticks []model.Tick
	for v, err := range f.engine.Between(ctx, model.MainTimelineID, "e1", 20, 40) {
		require.NoError(t, err)
		ticks = append(ticks, v.CreatedTick)
	}
	assert.Equal(t, []model.Tick{20, 30}, ticks)

	count := 0
	for _, err := range f.engine.FullHistory(ctx, model.MainTimelineID, "e1") {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 4, count)
}

// -----------------------------------------------------------------------------
// Reconstruction
// -----------------------------------------------------------------------------

func TestEngine_StateAt_UsesNearestSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for tick := model.Tick(0); tick <= 200; tick += 10 {
		f.put(t, model.MainTimelineID, fmt.Sprintf("e%d", tick%30), tick, fmt.Sprintf("v%d", tick))
	}
	snap := f.snapshotAt(t, model.MainTimelineID, 100)

	r, err := f.engine.StateAt(ctx, model.MainTimelineID, 150)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, r.SnapshotID)
	assert.Equal(t, model.Tick(100), r.SnapshotTick)
	assert.Equal(t, int64(50), r.TicksReplayed)
	assert.Equal(t, 5, r.VersionsApplied)
	assert.Equal(t, f.expected(t, model.MainTimelineID, 150), r.State)
	assert.Equal(t, snapshot.SHA256(r.State.Encode()), r.Hash)

	t.Run("before first snapshot replays from scratch", func(t *testing.T) {
		r, err := f.engine.StateAt(ctx, model.MainTimelineID, 90)
		require.NoError(t, err)
		assert.Zero(t, r.SnapshotID)
		assert.Equal(t, model.NoTick, r.SnapshotTick)
		assert.Equal(t, int64(90), r.TicksReplayed)
		assert.Equal(t, f.expected(t, model.MainTimelineID, 90), r.State)
	})

	t.Run("exactly at snapshot", func(t *testing.T) {
		r, err := f.engine.StateAt(ctx, model.MainTimelineID, 100)
		require.NoError(t, err)
		assert.Equal(t, snap.ID, r.SnapshotID)
		assert.Zero(t, r.TicksReplayed)
		assert.Zero(t, r.VersionsApplied)
	})
}

func TestEngine_StateAt_MatchesAsOfEverywhere(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for tick := model.Tick(1); tick <= 60; tick++ {
		entity := fmt.Sprintf("e%d", tick%7)
		if tick%11 == 0 {
			if _, err := f.engine.AsOf(ctx, model.MainTimelineID, entity, tick); err == nil {
				f.del(t, model.MainTimelineID, entity, tick)
				continue
			}
		}
		f.put(t, model.MainTimelineID, entity, tick, fmt.Sprintf("%s@%d", entity, tick))
		if tick%20 == 0 {
			f.snapshotAt(t, model.MainTimelineID, tick)
		}
	}

	child, err := f.timelines.Branch(ctx, model.MainTimelineID, 60, timeline.BranchOptions{Name: "what-if"})
	require.NoError(t, err)
	for tick := model.Tick(61); tick <= 90; tick += 3 {
		f.put(t, child.ID, fmt.Sprintf("e%d", tick%5), tick, fmt.Sprintf("child@%d", tick))
		f.put(t, model.MainTimelineID, fmt.Sprintf("e%d", tick%4), tick, fmt.Sprintf("main@%d", tick))
	}
	f.snapshotAt(t, child.ID, 75)

	for _, tl := range []model.TimelineID{model.MainTimelineID, child.ID} {
		for tick := model.Tick(0); tick <= 95; tick += 5 {
			r, err := f.engine.StateAt(ctx, tl, tick)
			require.NoError(t, err)
			assert.Equal(t, f.expected(t, tl, tick), r.State, "timeline %d tick %d", tl, tick)
		}
	}
}

func TestEngine_StateAt_BranchUsesAncestorSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.put(t, model.MainTimelineID, "e1", 10, "A")
	parentSnap := f.snapshotAt(t, model.MainTimelineID, 40)

	child, err := f.timelines.Branch(ctx, model.MainTimelineID, 40, timeline.BranchOptions{Name: "alt"})
	require.NoError(t, err)
	f.put(t, child.ID, "e1", 60, "C")
	f.put(t, model.MainTimelineID, "e1", 70, "D")

	r, err := f.engine.StateAt(ctx, child.ID, 45)
	require.NoError(t, err)
	assert.Equal(t, parentSnap.ID, r.SnapshotID)
	assert.Equal(t, model.State{"e1": []byte("A")}, r.State)

	r, err = f.engine.StateAt(ctx, child.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, model.State{"e1": []byte("C")}, r.State)

	r, err = f.engine.StateAt(ctx, model.MainTimelineID, 80)
	require.NoError(t, err)
	assert.Equal(t, model.State{"e1": []byte("D")}, r.State)
}

func TestEngine_StateAt_SkipsCorruptSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for tick := model.Tick(10); tick <= 100; tick += 10 {
		f.put(t, model.MainTimelineID, "e1", tick, fmt.Sprintf("v%d", tick))
	}
	older := f.snapshotAt(t, model.MainTimelineID, 30)
	newer := f.snapshotAt(t, model.MainTimelineID, 60)
	f.corrupt(t, newer.ID)

	r, err := f.engine.StateAt(ctx, model.MainTimelineID, 80)
	require.NoError(t, err)
	assert.Equal(t, older.ID, r.SnapshotID)
	assert.Equal(t, []model.SnapshotID{newer.ID}, r.Skipped)
	assert.Equal(t, model.State{"e1": []byte("v80")}, r.State)
	assert.Equal(t, int64(1), f.engine.Stats().CorruptFallbacks)

	f.corrupt(t, older.ID)
	r, err = f.engine.StateAt(ctx, model.MainTimelineID, 70)
	require.NoError(t, err)
	assert.Zero(t, r.SnapshotID)
	assert.Len(t, r.Skipped, 2)
	assert.Equal(t, model.State{"e1": []byte("v70")}, r.State)
}

func TestEngine_StateAt_InsufficientHistory(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for tick := model.Tick(10); tick <= 200; tick += 10 {
		f.put(t, model.MainTimelineID, "e1", tick, fmt.Sprintf("v%d", tick))
	}
	snap := f.snapshotAt(t, model.MainTimelineID, 100)

	_, err := f.snapshots.Prune(ctx, model.MainTimelineID, 100)
	require.NoError(t, err)
	_, err = f.versions.PruneTickIndex(ctx, model.MainTimelineID, 100)
	require.NoError(t, err)
	require.NoError(t, f.timelines.SetHistoryFloor(ctx, model.MainTimelineID, 100))

	r, err := f.engine.StateAt(ctx, model.MainTimelineID, 150)
	require.NoError(t, err)
	assert.Equal(t, model.State{"e1": []byte("v150")}, r.State)

	_, err = f.engine.StateAt(ctx, model.MainTimelineID, 50)
	assert.ErrorIs(t, err, model.ErrInsufficientHistory)

	// Entity queries are unaffected by tick-index pruning.
	v, err := f.engine.AsOf(ctx, model.MainTimelineID, "e1", 50)
	require.NoError(t, err)
	assert.Equal(t, "v50", string(v))

	f.corrupt(t, snap.ID)
	_, err = f.engine.StateAt(ctx, model.MainTimelineID, 160)
	assert.ErrorIs(t, err, model.ErrInsufficientHistory)
}

func TestEngine_StateAt_Cache(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()
	f.put(t, model.MainTimelineID, "e1", 10, "A")

	first, err := f.engine.StateAt(ctx, model.MainTimelineID, 50)
	require.NoError(t, err)
	second, err := f.engine.StateAt(ctx, model.MainTimelineID, 50)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), f.engine.Stats().Reconstructions)
	assert.Equal(t, int64(1), f.engine.Stats().Cache.Hits)

	// A write anywhere in the lineage invalidates the entry.
	f.put(t, model.MainTimelineID, "e1", 20, "B")
	third, err := f.engine.StateAt(ctx, model.MainTimelineID, 50)
	require.NoError(t, err)
	assert.Equal(t, model.State{"e1": []byte("B")}, third.State)
	assert.Equal(t, int64(2), f.engine.Stats().Reconstructions)
}

func TestEngine_StateAt_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.engine.StateAt(ctx, model.MainTimelineID, -1)
	assert.ErrorIs(t, err, model.ErrInvalidTick)

	_, err = f.engine.StateAt(ctx, 99, 10)
	assert.ErrorIs(t, err, model.ErrUnknownTimeline)

	//nolint:staticcheck
	_, err = f.engine.StateAt(nil, model.MainTimelineID, 10)
	assert.ErrorIs(t, err, model.ErrNilContext)
}

// -----------------------------------------------------------------------------
// Compare
// -----------------------------------------------------------------------------

func TestEngine_Compare(t *testing.T) {
	f := newFixture(t, 16)
	ctx := context.Background()
	f.put(t, model.MainTimelineID, "e1", 10, "A")
	f.put(t, model.MainTimelineID, "e2", 10, "X")

	child, err := f.timelines.Branch(ctx, model.MainTimelineID, 40, timeline.BranchOptions{Name: "alt"})
	require.NoError(t, err)
	f.put(t, child.ID, "e1", 60, "C")
	f.put(t, child.ID, "e3", 65, "new")
	f.put(t, model.MainTimelineID, "e2", 70, "X")

	c, err := f.engine.Compare(ctx, model.MainTimelineID, child.ID, 45)
	require.NoError(t, err)
	assert.True(t, c.Equal)
	assert.Equal(t, c.HashA, c.HashB)
	assert.Empty(t, c.DiffEntities)

	c, err = f.engine.Compare(ctx, model.MainTimelineID, child.ID, 80)
	require.NoError(t, err)
	assert.False(t, c.Equal)
	assert.Equal(t, []string{"e1", "e3"}, c.DiffEntities)

	_, err = f.engine.Compare(ctx, model.MainTimelineID, 42, 80)
	assert.ErrorIs(t, err, model.ErrUnknownTimeline)
}
