// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package temporal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	engineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_engine_operations_total",
		Help: "Total number of engine operations by operation and result",
	}, []string{"operation", "result"})

	engineTravelDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chrono_engine_travel_duration_seconds",
		Help:    "TravelTo duration in seconds, including cache hits",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})
)

var tracer = otel.Tracer("temporal.engine")

// observe counts one operation outcome.
func observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	engineOperations.WithLabelValues(operation, result).Inc()
}
