// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("stackforge.installer")
	meter  = otel.Meter("stackforge.installer")
)

type instruments struct {
	once          sync.Once
	buildDuration metric.Float64Histogram
	installed     metric.Int64Counter
	skipped       metric.Int64Counter
	failed        metric.Int64Counter
	removed       metric.Int64Counter
	activeBuilds  metric.Int64UpDownCounter
}

// init creates instruments on first use. Failures degrade observability
// but never the install.
func (m *instruments) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.buildDuration, err = meter.Float64Histogram("forge_build_duration_seconds",
			metric.WithDescription("Time spent in the Builder per task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "build_duration: "+err.Error())
		}
		m.installed, err = meter.Int64Counter("forge_tasks_installed_total",
			metric.WithDescription("Tasks built and recorded as installed"),
		)
		if err != nil {
			initErrors = append(initErrors, "installed: "+err.Error())
		}
		m.skipped, err = meter.Int64Counter("forge_tasks_skipped_total",
			metric.WithDescription("Tasks satisfied without building"),
		)
		if err != nil {
			initErrors = append(initErrors, "skipped: "+err.Error())
		}
		m.failed, err = meter.Int64Counter("forge_tasks_failed_total",
			metric.WithDescription("Tasks that failed or whose dependencies failed"),
		)
		if err != nil {
			initErrors = append(initErrors, "failed: "+err.Error())
		}
		m.removed, err = meter.Int64Counter("forge_tasks_removed_total",
			metric.WithDescription("Tasks cancelled before completion"),
		)
		if err != nil {
			initErrors = append(initErrors, "removed: "+err.Error())
		}
		m.activeBuilds, err = meter.Int64UpDownCounter("forge_active_builds",
			metric.WithDescription("Builder invocations in flight"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_builds: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some installer metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *instruments) finished(ctx context.Context, t *BuildTask) {
	attrs := metric.WithAttributes(attribute.String("package", t.Node.Name))
	var c metric.Int64Counter
	switch {
	case t.Status == StatusInstalled && t.skipped:
		c = m.skipped
	case t.Status == StatusInstalled:
		c = m.installed
	case t.Status == StatusFailed:
		c = m.failed
	default:
		c = m.removed
	}
	if c != nil {
		c.Add(ctx, 1, attrs)
	}
}
