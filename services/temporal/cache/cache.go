// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides an LRU cache of reconstructed states.
//
// Entries are pure derived data keyed by (timeline, tick) and may be evicted
// at any time. Each entry records the lineage write generation it was built
// at; a lookup with a newer generation treats the entry as a miss, so writes
// never need to reach into the cache.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"golang.org/x/sync/singleflight"
	"go.opentelemetry.io/otel/attribute"
)

// Key identifies a reconstructed state.
type Key struct {
	Timeline model.TimelineID
	Tick     model.Tick
}

// LoadFunc reconstructs a value on a miss.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// Stats reports cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stale     int64 `json:"stale"`
	Evictions int64 `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	key        Key
	generation uint64
	value      V
}

// Cache is a generation-checked LRU cache.
//
// Thread Safety: Safe for concurrent use. Concurrent loads of the same key
// and generation are coalesced.
type Cache[V any] struct {
	capacity int

	mu      sync.Mutex
	entries map[Key]*list.Element
	lru     *list.List
	flight  singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	stale     atomic.Int64
	evictions atomic.Int64
}

// New creates a cache holding at most capacity entries. A capacity <= 0
// disables caching: every lookup misses and nothing is stored.
func New[V any](capacity int) *Cache[V] {
	return &Cache[V]{
		capacity: capacity,
		entries:  make(map[Key]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the value for key if it was built at generation.
func (c *Cache[V]) Get(ctx context.Context, key Key, generation uint64) (V, bool) {
	var zero V
	if c.capacity <= 0 {
		c.misses.Add(1)
		recordMiss(ctx, false)
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		recordMiss(ctx, false)
		return zero, false
	}
	e := el.Value.(*entry[V])
	if e.generation != generation {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.misses.Add(1)
		c.stale.Add(1)
		recordMiss(ctx, true)
		return zero, false
	}

	c.lru.MoveToFront(el)
	c.hits.Add(1)
	recordHit(ctx)
	return e.value, true
}

// Put stores value for key at generation, evicting the least recently used
// entry when full.
func (c *Cache[V]) Put(ctx context.Context, key Key, generation uint64, value V) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		if e.generation > generation {
			return
		}
		e.generation = generation
		e.value = value
		c.lru.MoveToFront(el)
		return
	}

	for c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[V]).key)
		c.evictions.Add(1)
		recordEviction(ctx)
	}
	c.entries[key] = c.lru.PushFront(&entry[V]{key: key, generation: generation, value: value})
}

// GetOrLoad returns the cached value or runs load once for concurrent
// callers with the same key and generation.
//
// Outputs:
//
//	V - The value.
//	bool - True on a cache hit.
//	error - The load error. Errors are never cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key Key, generation uint64, load LoadFunc[V]) (V, bool, error) {
	if v, ok := c.Get(ctx, key, generation); ok {
		return v, true, nil
	}

	ctx, span := startSpan(ctx, "Load", key)
	defer span.End()

	flightKey := fmt.Sprintf("%d:%d:%d", key.Timeline, key.Tick, generation)
	result, err, shared := c.flight.Do(flightKey, func() (any, error) {
		v, err := load(ctx)
		recordLoad(ctx, err == nil)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, generation, v)
		return v, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		var zero V
		return zero, false, err
	}
	v, _ := result.(V)
	return v, false, nil
}

// InvalidateTimeline drops every entry of a timeline.
func (c *Cache[V]) InvalidateTimeline(tl model.TimelineID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if key.Timeline == tl {
			c.lru.Remove(el)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*list.Element)
	c.lru.Init()
}

// Stats returns a point-in-time view of cache activity.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	n := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Entries:   n,
		Capacity:  max(c.capacity, 0),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stale:     c.stale.Load(),
		Evictions: c.evictions.Load(),
	}
}
