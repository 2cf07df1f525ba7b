// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, storage.Backend) {
	t.Helper()
	backend, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	m, err := NewManager(backend, nil)
	require.NoError(t, err)
	require.NoError(t, m.Load(context.Background()))
	_, err = m.EnsureMain(context.Background())
	require.NoError(t, err)
	return m, backend
}

func TestManager_EnsureMainIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.EnsureMain(ctx)
	require.NoError(t, err)
	b, err := m.EnsureMain(ctx)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, model.MainTimelineID, a.ID)
	assert.Equal(t, model.MainTimelineName, a.Name)
	assert.True(t, a.IsMain())
	assert.True(t, a.IsActive())
	assert.Len(t, m.List(), 1)
}

func TestManager_Branch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	alt, err := m.Branch(ctx, model.MainTimelineID, 100, BranchOptions{Name: "alt", SnapshotID: 7})
	require.NoError(t, err)
	assert.Equal(t, model.TimelineID(2), alt.ID)
	assert.Equal(t, model.MainTimelineID, alt.ParentID)
	assert.Equal(t, model.Tick(100), alt.BranchPointTick)
	assert.Equal(t, model.SnapshotID(7), alt.BranchSnapshotID)
	assert.Equal(t, model.TimelineActive, alt.Status)

	deep, err := m.Branch(ctx, alt.ID, 150, BranchOptions{Name: "deep"})
	require.NoError(t, err)

	t.Run("lineage", func(t *testing.T) {
		lin, err := m.Lineage(deep.ID)
		require.NoError(t, err)
		require.Len(t, lin, 3)
		assert.Equal(t, []model.TimelineID{deep.ID, alt.ID, model.MainTimelineID},
			[]model.TimelineID{lin[0].ID, lin[1].ID, lin[2].ID})
	})

	t.Run("children and frozen history", func(t *testing.T) {
		children := m.Children(model.MainTimelineID)
		require.Len(t, children, 1)
		assert.Equal(t, alt.ID, children[0].ID)

		bp, ok := m.MaxChildBranchPoint(alt.ID)
		assert.True(t, ok)
		assert.Equal(t, model.Tick(150), bp)

		_, ok = m.MaxChildBranchPoint(deep.ID)
		assert.False(t, ok)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := m.Branch(ctx, model.MainTimelineID, 10, BranchOptions{Name: "alt"})
		assert.ErrorIs(t, err, model.ErrTimelineExists)

		_, err = m.Branch(ctx, 99, 10, BranchOptions{Name: "x"})
		assert.ErrorIs(t, err, model.ErrUnknownTimeline)

		_, err = m.Branch(ctx, model.MainTimelineID, 10, BranchOptions{Name: "  "})
		assert.ErrorIs(t, err, ErrInvalidName)

		_, err = m.Branch(ctx, alt.ID, 50, BranchOptions{Name: "before-parent"})
		assert.ErrorIs(t, err, model.ErrInvalidOrder)

		_, err = m.Branch(ctx, model.MainTimelineID, -1, BranchOptions{Name: "neg"})
		assert.ErrorIs(t, err, model.ErrInvalidTick)
	})

	t.Run("by name", func(t *testing.T) {
		got, err := m.ByName("deep")
		require.NoError(t, err)
		assert.Equal(t, deep.ID, got.ID)

		_, err = m.ByName("nope")
		assert.ErrorIs(t, err, model.ErrUnknownTimeline)
	})
}

func TestManager_ArchiveStateMachine(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	alt, err := m.Branch(ctx, model.MainTimelineID, 0, BranchOptions{Name: "alt"})
	require.NoError(t, err)

	archived, err := m.Archive(ctx, alt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TimelineArchived, archived.Status)
	assert.False(t, archived.IsActive())

	again, err := m.Archive(ctx, alt.ID)
	require.NoError(t, err, "archiving twice is a no-op")
	assert.Equal(t, model.TimelineArchived, again.Status)

	_, err = m.Archive(ctx, 42)
	assert.ErrorIs(t, err, model.ErrUnknownTimeline)
}

func TestManager_AdvanceAndGenerations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	alt, err := m.Branch(ctx, model.MainTimelineID, 10, BranchOptions{Name: "alt"})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, model.MainTimelineID, 20))
	require.NoError(t, m.Advance(ctx, model.MainTimelineID, 5))

	main, err := m.Get(model.MainTimelineID)
	require.NoError(t, err)
	assert.Equal(t, model.Tick(20), main.CurrentTick, "advance never lowers")
	assert.Equal(t, uint64(2), m.Generation(model.MainTimelineID))

	before := m.LineageGeneration(alt.ID)
	require.NoError(t, m.Advance(ctx, alt.ID, 11))
	assert.Equal(t, before+1, m.LineageGeneration(alt.ID))
	require.NoError(t, m.Advance(ctx, model.MainTimelineID, 30))
	assert.Equal(t, before+2, m.LineageGeneration(alt.ID))

	require.NoError(t, m.SetHistoryFloor(ctx, model.MainTimelineID, 15))
	require.NoError(t, m.SetHistoryFloor(ctx, model.MainTimelineID, 3))
	main, err = m.Get(model.MainTimelineID)
	require.NoError(t, err)
	assert.Equal(t, model.Tick(15), main.HistoryFloor)

	assert.Zero(t, m.Generation(99))
}

func TestManager_LoadRoundTrip(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()

	alt, err := m.Branch(ctx, model.MainTimelineID, 10, BranchOptions{Name: "alt"})
	require.NoError(t, err)
	_, err = m.Archive(ctx, alt.ID)
	require.NoError(t, err)
	require.NoError(t, m.Advance(ctx, model.MainTimelineID, 42))

	reloaded, err := NewManager(backend, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, m.List(), reloaded.List())

	bp, ok := reloaded.MaxChildBranchPoint(model.MainTimelineID)
	assert.True(t, ok)
	assert.Equal(t, model.Tick(10), bp)
}

func TestManager_LoadActivatesCreated(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()

	stuck := model.Timeline{
		ID: 2, Name: "stuck", ParentID: model.MainTimelineID,
		BranchPointTick: 5, HasBranchPoint: true, Status: model.TimelineCreated,
	}
	data, err := json.Marshal(stuck)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, model.TimelineKey(2), data))

	require.NoError(t, m.Load(ctx))
	got, err := m.ByName("stuck")
	require.NoError(t, err)
	assert.Equal(t, model.TimelineActive, got.Status)
}

func TestManager_LoadRejectsGaps(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()

	orphan := model.Timeline{ID: 5, Name: "orphan", ParentID: 1, HasBranchPoint: true, Status: model.TimelineActive}
	data, err := json.Marshal(orphan)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, model.TimelineKey(5), data))

	assert.ErrorIs(t, m.Load(ctx), model.ErrIntegrity)
}
