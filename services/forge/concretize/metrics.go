// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concretize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	solveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_concretize_duration_seconds",
		Help:    "Duration of concretization by outcome",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"outcome"})

	solveSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_concretize_steps",
		Help:    "Assignment attempts per concretization",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	solveBacktracks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_concretize_backtracks_total",
		Help: "Total rejected assignments across all concretizations",
	})
)
