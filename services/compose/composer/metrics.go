// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("recompose.composer")

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "passes_total",
		Help:      "Composition passes, by kind (full, partial) and result",
	}, []string{"kind", "result"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a composition pass including apply",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"kind"})

	scopesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "scopes_executed_total",
		Help:      "Scope bodies run",
	})

	scopesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "scopes_skipped_total",
		Help:      "Scope bodies skipped because inputs and dependencies were unchanged",
	})

	groupEdits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "group_edits_total",
		Help:      "Structural group edits, by operation",
	}, []string{"op"})

	disposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "disposals_total",
		Help:      "Remembered values disposed after removal, by result",
	}, []string{"result"})

	liveScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recompose",
		Subsystem: "composer",
		Name:      "scopes",
		Help:      "Restartable scopes alive across all compositions",
	})
)
