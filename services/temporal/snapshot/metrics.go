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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	snapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chrono_snapshots_created_total",
		Help: "Total number of snapshots created",
	})

	snapshotsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrono_snapshots_stored",
		Help: "Current number of stored snapshots",
	})

	snapshotVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_snapshot_verifications_total",
		Help: "Total number of snapshot verifications by result",
	}, []string{"result"})

	snapshotCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_snapshot_create_duration_seconds",
		Help:    "Snapshot compression and persist duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	snapshotCompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_snapshot_compression_ratio",
		Help:    "Compressed over uncompressed size per snapshot",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5},
	})
)

var tracer = otel.Tracer("temporal.snapshot")
