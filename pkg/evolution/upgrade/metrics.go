// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upgrade

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/configevo/pkg/evolution/journal"
)

const instrumentationName = "configevo.upgrade"

var meter = otel.Meter(instrumentationName)

var (
	appliedTotal    metric.Int64Counter
	faultedTotal    metric.Int64Counter
	revisionLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		appliedTotal, err = meter.Int64Counter(
			"configevo.revisions.applied",
			metric.WithDescription("Revisions applied successfully"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		faultedTotal, err = meter.Int64Counter(
			"configevo.revisions.faulted",
			metric.WithDescription("Revisions whose handler failed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		revisionLatency, err = meter.Float64Histogram(
			"configevo.revision.duration",
			metric.WithDescription("Time spent applying one revision"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordStep(ctx context.Context, dir journal.Direction, elapsed time.Duration, failed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("direction", string(dir)))
	revisionLatency.Record(ctx, elapsed.Seconds(), attrs)
	if failed {
		faultedTotal.Add(ctx, 1, attrs)
		return
	}
	appliedTotal.Add(ctx, 1, attrs)
}
