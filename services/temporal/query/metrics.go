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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	reconstructDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_reconstruct_duration_seconds",
		Help:    "Whole-state reconstruction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	reconstructTicksReplayed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_reconstruct_ticks_replayed",
		Help:    "Ticks replayed past the base snapshot per reconstruction",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	reconstructCorruptSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chrono_reconstruct_corrupt_snapshots_total",
		Help: "Total number of corrupt snapshots skipped during reconstruction",
	})

	reconstructErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_reconstruct_errors_total",
		Help: "Total number of failed reconstructions by reason",
	}, []string{"reason"})
)

var tracer = otel.Tracer("temporal.query")
