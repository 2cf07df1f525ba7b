// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(tl model.TimelineID, tick model.Tick) Key {
	return Key{Timeline: tl, Tick: tick}
}

func TestCache_GetPut(t *testing.T) {
	ctx := context.Background()
	c := New[string](2)

	_, ok := c.Get(ctx, key(1, 10), 0)
	assert.False(t, ok)

	c.Put(ctx, key(1, 10), 0, "a")
	v, ok := c.Get(ctx, key(1, 10), 0)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestCache_StaleGenerationIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New[string](4)

	c.Put(ctx, key(1, 10), 3, "old")
	_, ok := c.Get(ctx, key(1, 10), 4)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Stale)
	assert.Zero(t, c.Stats().Entries, "stale entry is dropped")

	// An older generation never overwrites a newer one.
	c.Put(ctx, key(1, 10), 5, "new")
	c.Put(ctx, key(1, 10), 4, "older")
	v, ok := c.Get(ctx, key(1, 10), 5)
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := New[int](2)

	c.Put(ctx, key(1, 1), 0, 1)
	c.Put(ctx, key(1, 2), 0, 2)
	_, _ = c.Get(ctx, key(1, 1), 0) // 1 becomes most recent
	c.Put(ctx, key(1, 3), 0, 3)

	_, ok := c.Get(ctx, key(1, 2), 0)
	assert.False(t, ok, "tick 2 was least recently used")
	_, ok = c.Get(ctx, key(1, 1), 0)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_Disabled(t *testing.T) {
	ctx := context.Background()
	c := New[int](0)
	c.Put(ctx, key(1, 1), 0, 1)
	_, ok := c.Get(ctx, key(1, 1), 0)
	assert.False(t, ok)

	calls := 0
	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrLoad(ctx, key(1, 1), 0, func(context.Context) (int, error) {
			calls++
			return 7, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, 3, calls)
}

func TestCache_GetOrLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("loads once then hits", func(t *testing.T) {
		c := New[string](4)
		var calls atomic.Int32
		load := func(context.Context) (string, error) {
			calls.Add(1)
			return "state", nil
		}

		v, hit, err := c.GetOrLoad(ctx, key(2, 5), 1, load)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "state", v)

		v, hit, err = c.GetOrLoad(ctx, key(2, 5), 1, load)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, "state", v)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := New[string](4)
		boom := errors.New("boom")
		_, _, err := c.GetOrLoad(ctx, key(2, 5), 1, func(context.Context) (string, error) {
			return "", boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, c.Stats().Entries)
	})

	t.Run("concurrent loads coalesce", func(t *testing.T) {
		c := New[string](4)
		var calls atomic.Int32
		release := make(chan struct{})
		load := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, _, err := c.GetOrLoad(ctx, key(3, 1), 0, load)
				assert.NoError(t, err)
				assert.Equal(t, "shared", v)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.LessOrEqual(t, calls.Load(), int32(8))
		assert.GreaterOrEqual(t, calls.Load(), int32(1))
	})
}

func TestCache_InvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	c := New[int](8)
	c.Put(ctx, key(1, 1), 0, 1)
	c.Put(ctx, key(1, 2), 0, 2)
	c.Put(ctx, key(2, 1), 0, 3)

	assert.Equal(t, 2, c.InvalidateTimeline(1))
	assert.Equal(t, 1, c.Stats().Entries)

	c.Clear()
	assert.Zero(t, c.Stats().Entries)
	assert.Equal(t, 8, c.Stats().Capacity)
}
