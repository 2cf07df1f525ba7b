// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
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

	m, err := NewManager(backend, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, m.Load(context.Background()))
	return m, backend
}

func testState(n int) []byte {
	s := model.State{}
	for i := 0; i < n; i++ {
		s[string(rune('a'+i%26))+string(rune('0'+i/26))] = bytes.Repeat([]byte{byte(i)}, 64)
	}
	return s.Encode()
}

func corrupt(t *testing.T, b storage.Backend, id model.SnapshotID, mutate func([]byte) []byte) {
	t.Helper()
	ctx := context.Background()
	key := model.SnapshotDataKey(id)
	data, ok, err := b.TryGet(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Put(ctx, key, mutate(data)))
}

// -----------------------------------------------------------------------------
// Create / Verify Tests
// -----------------------------------------------------------------------------

func TestManager_CreateAndVerify(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	state := testState(40)

	snap, err := m.Create(ctx, model.MainTimelineID, 100, state, CreateOptions{Label: "checkpoint"})
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotID(1), snap.ID)
	assert.Equal(t, SHA256(state), snap.StateHash)
	assert.Equal(t, uint64(len(state)), snap.UncompressedSize)
	assert.Less(t, snap.CompressedSize, snap.UncompressedSize)
	assert.Equal(t, "checkpoint", snap.Label)

	ok, err := m.Verify(ctx, snap.ID, SHA256)
	require.NoError(t, err)
	assert.True(t, ok)

	got, meta, err := m.ReadState(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, state, got)
	assert.Equal(t, snap, meta)
}

func TestManager_IdenticalStateDistinctIDs(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	state := testState(5)

	a, err := m.Create(ctx, model.MainTimelineID, 10, state, CreateOptions{})
	require.NoError(t, err)
	b, err := m.Create(ctx, model.MainTimelineID, 20, state, CreateOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.StateHash, b.StateHash)
}

func TestManager_EmptyState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	snap, err := m.Create(ctx, model.MainTimelineID, 0, nil, CreateOptions{})
	require.NoError(t, err)
	got, _, err := m.ReadState(ctx, snap.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManager_VerifyDetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped body byte", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }},
		{"flipped hash byte", func(b []byte) []byte { b[1] ^= 0xFF; return b }},
		{"bad format version", func(b []byte) []byte { b[0] = 9; return b }},
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"wrong size", func(b []byte) []byte { b[headerSize-1]++; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, backend := newTestManager(t)
			ctx := context.Background()
			snap, err := m.Create(ctx, model.MainTimelineID, 5, testState(30), CreateOptions{})
			require.NoError(t, err)

			corrupt(t, backend, snap.ID, tt.mutate)

			ok, err := m.Verify(ctx, snap.ID, SHA256)
			require.NoError(t, err)
			assert.False(t, ok)

			state, _, err := m.ReadState(ctx, snap.ID)
			assert.ErrorIs(t, err, model.ErrIntegrity)
			assert.Nil(t, state, "corrupted bytes are never returned")
		})
	}

	t.Run("missing payload", func(t *testing.T) {
		m, backend := newTestManager(t)
		ctx := context.Background()
		snap, err := m.Create(ctx, model.MainTimelineID, 5, testState(3), CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, backend.Apply(ctx, []storage.Mutation{{Key: model.SnapshotDataKey(snap.ID), Delete: true}}))

		ok, err := m.Verify(ctx, snap.ID, SHA256)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.Verify(context.Background(), 404, SHA256)
		assert.ErrorIs(t, err, model.ErrUnknownSnapshot)
	})

	t.Run("custom hash function", func(t *testing.T) {
		m, _ := newTestManager(t)
		ctx := context.Background()
		snap, err := m.Create(ctx, model.MainTimelineID, 5, testState(3), CreateOptions{})
		require.NoError(t, err)

		zero := func([]byte) model.StateHash { return model.StateHash{} }
		ok, err := m.Verify(ctx, snap.ID, zero)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// -----------------------------------------------------------------------------
// Index Tests
// -----------------------------------------------------------------------------

func TestManager_FindLatestBefore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ids := map[model.Tick]model.SnapshotID{}
	for _, tick := range []model.Tick{100, 0, 50} {
		s, err := m.Create(ctx, model.MainTimelineID, tick, testState(1), CreateOptions{})
		require.NoError(t, err)
		ids[tick] = s.ID
	}
	_, err := m.Create(ctx, 2, 70, testState(1), CreateOptions{})
	require.NoError(t, err)

	tests := []struct {
		tick  model.Tick
		want  model.Tick
		found bool
	}{
		{0, 0, true},
		{49, 0, true},
		{50, 50, true},
		{99, 50, true},
		{150, 100, true},
	}
	for _, tt := range tests {
		s, ok := m.FindLatestBefore(model.MainTimelineID, tt.tick)
		assert.Equal(t, tt.found, ok, "tick %d", tt.tick)
		assert.Equal(t, tt.want, s.Tick, "tick %d", tt.tick)
		assert.Equal(t, ids[tt.want], s.ID)
	}

	_, ok := m.FindLatestBefore(3, 1000)
	assert.False(t, ok)

	t.Run("skip steps back", func(t *testing.T) {
		s, ok := m.FindBefore(model.MainTimelineID, 150, func(s model.Snapshot) bool { return s.Tick == 100 })
		require.True(t, ok)
		assert.Equal(t, model.Tick(50), s.Tick)

		_, ok = m.FindBefore(model.MainTimelineID, 150, func(model.Snapshot) bool { return true })
		assert.False(t, ok)
	})

	t.Run("newest id wins at equal tick", func(t *testing.T) {
		dup, err := m.Create(ctx, model.MainTimelineID, 50, testState(2), CreateOptions{})
		require.NoError(t, err)
		s, ok := m.FindLatestBefore(model.MainTimelineID, 60)
		require.True(t, ok)
		assert.Equal(t, dup.ID, s.ID)
	})

	list := m.List(model.MainTimelineID)
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1].Tick, list[i].Tick)
	}
}

func TestManager_ReloadAndVerify(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	snap, err := m.Create(ctx, model.MainTimelineID, 7, testState(12), CreateOptions{Label: "x"})
	require.NoError(t, err)

	reloaded, err := NewManager(backend, DefaultOptions())
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(ctx))

	got, err := reloaded.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	ok, err := reloaded.Verify(ctx, snap.ID, SHA256)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_PruneNeverReusesIDs(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()

	for _, tick := range []model.Tick{10, 20, 30} {
		_, err := m.Create(ctx, model.MainTimelineID, tick, testState(4), CreateOptions{})
		require.NoError(t, err)
	}
	// Highest id lives at the lowest tick on another timeline.
	top, err := m.Create(ctx, 2, 5, testState(4), CreateOptions{})
	require.NoError(t, err)

	n, err := m.Prune(ctx, model.MainTimelineID, 25)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, m.List(model.MainTimelineID), 1)

	n, err = m.Prune(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(top.ID)
	assert.ErrorIs(t, err, model.ErrUnknownSnapshot)
	_, ok, err := backend.TryGet(ctx, model.SnapshotDataKey(top.ID))
	require.NoError(t, err)
	assert.False(t, ok)

	reloaded, err := NewManager(backend, DefaultOptions())
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(ctx))

	next, err := reloaded.Create(ctx, model.MainTimelineID, 40, testState(1), CreateOptions{})
	require.NoError(t, err)
	assert.Greater(t, next.ID, top.ID)

	st := reloaded.Stats()
	assert.Equal(t, int64(2), st.Count)
	assert.Positive(t, st.CompressionRatio)
}

func TestManager_RejectsOversizedState(t *testing.T) {
	backend, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer backend.Close()

	m, err := NewManager(backend, Options{MaxStateBytes: 8})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Create(context.Background(), model.MainTimelineID, 1, make([]byte, 9), CreateOptions{})
	assert.Error(t, err)

	_, err = m.Create(context.Background(), model.MainTimelineID, -1, nil, CreateOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidTick)
}

func TestManager_OversizedRecordIsIntegrityError(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()

	snap, err := m.Create(ctx, model.MainTimelineID, 10, testState(4), CreateOptions{})
	require.NoError(t, err)

	// Record and payload agree on an absurd size.
	const huge = uint64(1) << 62
	m.mu.Lock()
	rec := m.byID[snap.ID]
	rec.UncompressedSize = huge
	m.byID[snap.ID] = rec
	m.mu.Unlock()
	corrupt(t, backend, snap.ID, func(data []byte) []byte {
		out := bytes.Clone(data)
		binary.BigEndian.PutUint64(out[1+model.HashSize:headerSize], huge)
		return out
	})

	t.Run("read fails with integrity error", func(t *testing.T) {
		_, _, err := m.ReadState(ctx, snap.ID)
		assert.ErrorIs(t, err, model.ErrIntegrity)
		assert.ErrorContains(t, err, "exceeds limit")
	})

	t.Run("verify reports corrupt", func(t *testing.T) {
		ok, err := m.Verify(ctx, snap.ID, SHA256)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestManager_MaxTick(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, ok := m.MaxTick(model.MainTimelineID)
	assert.False(t, ok)

	for _, tick := range []model.Tick{40, 10, 25} {
		_, err := m.Create(ctx, model.MainTimelineID, tick, testState(1), CreateOptions{})
		require.NoError(t, err)
	}
	got, ok := m.MaxTick(model.MainTimelineID)
	require.True(t, ok)
	assert.Equal(t, model.Tick(40), got)

	_, err := m.Prune(ctx, model.MainTimelineID, 50)
	require.NoError(t, err)
	_, ok = m.MaxTick(model.MainTimelineID)
	assert.False(t, ok)
}
