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

var tracer = otel.Tracer("recompose.snapshot")

var (
	snapshotsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "snapshot",
		Name:      "opened_total",
		Help:      "Snapshots opened, by mutability",
	}, []string{"mode"})

	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "snapshot",
		Name:      "apply_total",
		Help:      "Snapshot apply attempts, by result",
	}, []string{"result"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recompose",
		Subsystem: "snapshot",
		Name:      "apply_duration_seconds",
		Help:      "Time spent validating and committing a snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	recordsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recompose",
		Subsystem: "snapshot",
		Name:      "records",
		Help:      "Committed records currently retained across all objects",
	})

	recordsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "snapshot",
		Name:      "records_collected_total",
		Help:      "Records dropped by garbage collection",
	})
)
