// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_lock_acquired_total",
		Help: "Locks acquired",
	})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_lock_wait_seconds",
		Help:    "Time spent waiting on contended locks",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_lock_timeouts_total",
		Help: "Lock waits that exceeded the ceiling",
	})

	staleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_lock_stale_recovered_total",
		Help: "Locks recovered from dead or expired holders",
	})
)
