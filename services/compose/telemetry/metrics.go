// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// FrameMetrics holds the OTel instruments a host loop reports through.
//
// Description:
//
//	The runtime packages export their own Prometheus collectors. Frame
//	level numbers go through the OTel meter so they follow whichever
//	exporter Init selected.
//
// Thread Safety: Safe for concurrent use after creation.
type FrameMetrics struct {
	// FramesTotal counts frames by result (idle, recomposed, error).
	FramesTotal metric.Int64Counter

	// FrameDuration records frame duration in seconds.
	FrameDuration metric.Float64Histogram

	// SettleFrames records how many frames a Settle call needed.
	SettleFrames metric.Int64Histogram

	// PendingScopes tracks the invalid scopes seen at frame start.
	PendingScopes metric.Int64Gauge

	// FramePasses records the composition passes run by one frame.
	FramePasses metric.Int64Histogram
}

// NewFrameMetrics registers the frame instruments with meter.
//
// Outputs:
//
//	*FrameMetrics - Instruments ready for use.
//	error - Non-nil if registration fails.
func NewFrameMetrics(meter metric.Meter) (*FrameMetrics, error) {
	m := &FrameMetrics{}
	var err error

	m.FramesTotal, err = meter.Int64Counter(
		"recompose_host_frames_total",
		metric.WithDescription("Host frames by result"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames_total: %w", err)
	}

	m.FrameDuration, err = meter.Float64Histogram(
		"recompose_host_frame_duration_seconds",
		metric.WithDescription("Host frame duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frame_duration: %w", err)
	}

	m.SettleFrames, err = meter.Int64Histogram(
		"recompose_host_settle_frames",
		metric.WithDescription("Frames run by a settle call"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create settle_frames: %w", err)
	}

	m.PendingScopes, err = meter.Int64Gauge(
		"recompose_host_pending_scopes",
		metric.WithDescription("Invalid scopes at frame start"),
		metric.WithUnit("{scope}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending_scopes: %w", err)
	}

	m.FramePasses, err = meter.Int64Histogram(
		"recompose_host_frame_passes",
		metric.WithDescription("Composition passes run by one frame"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frame_passes: %w", err)
	}

	return m, nil
}
