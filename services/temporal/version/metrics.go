// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	versionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_version_writes_total",
		Help: "Total number of entity versions written by operation",
	}, []string{"operation"})

	versionWriteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_version_write_rejections_total",
		Help: "Total number of rejected version writes by reason",
	}, []string{"reason"})

	versionDeltaPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chrono_version_delta_payloads_total",
		Help: "Total number of versions stored as delta payloads",
	})

	versionLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_version_load_duration_seconds",
		Help:    "Time to load one timeline's version index from storage",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
)

var tracer = otel.Tracer("temporal.version")
