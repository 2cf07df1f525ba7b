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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("temporal.cache")
	meter  = otel.Meter("temporal.cache")
)

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
	cacheLoads     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"chrono_state_cache_hits_total",
			metric.WithDescription("Total number of reconstruction cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"chrono_state_cache_misses_total",
			metric.WithDescription("Total number of reconstruction cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"chrono_state_cache_evictions_total",
			metric.WithDescription("Total number of reconstruction cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLoads, err = meter.Int64Counter(
			"chrono_state_cache_loads_total",
			metric.WithDescription("Total number of reconstructions run on behalf of the cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context, stale bool) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.Bool("stale", stale)))
}

func recordEviction(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(ctx, 1)
}

func recordLoad(ctx context.Context, ok bool) {
	if initMetrics() != nil {
		return
	}
	cacheLoads.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// startSpan creates a span for a cache operation.
func startSpan(ctx context.Context, operation string, key Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, "StateCache."+operation,
		trace.WithAttributes(
			attribute.Int64("cache.timeline_id", int64(key.Timeline)),
			attribute.Int64("cache.tick", int64(key.Tick)),
		),
	)
}
