// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/history"
	"github.com/AleutianAI/recompose/services/compose/host"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/listview"
	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

// runtime wires one composition with its observers and host loop.
type runtime struct {
	session string
	sys     *snapshot.System
	comp    *composer.Composition
	applier *composer.MemoryApplier
	history *history.Worker
	journal *journal.Journal
	loop    *host.Loop

	detach []func()
}

// runtimeOptions selects the optional parts of a runtime.
type runtimeOptions struct {
	// journal attaches a commit journal even when the config disables it.
	journal bool

	// journalPath overrides the configured journal directory.
	journalPath string

	// onFrame is called after every frame of the host loop.
	onFrame func(host.FrameStats)
}

// newRuntime builds a runtime from the loaded configuration.
//
// Outputs:
//   - *runtime: Ready to receive content. Close releases it.
//   - error: Non-nil if the journal or frame metrics could not be set up.
func (a *app) newRuntime(opts runtimeOptions) (*runtime, error) {
	logger := a.log()
	sys := snapshot.NewSystem(a.cfg.Snapshot(logger))
	sched := scheduler.New(a.cfg.Scheduler(logger))
	applier := composer.NewMemoryApplier()
	comp := composer.New(sys, sched, composer.WithApplier(applier), composer.WithLogger(logger))

	rt := &runtime{
		session: comp.ID(),
		sys:     sys,
		comp:    comp,
		applier: applier,
		history: history.NewWorker(a.cfg.HistorySize, logger),
	}
	if rt.session == "" {
		rt.session = uuid.NewString()
	}
	rt.detach = append(rt.detach, rt.history.Attach(sys))

	if opts.journal || a.cfg.Journal.Enabled {
		jc := a.cfg.JournalConfig(rt.session, logger)
		if opts.journalPath != "" {
			jc.Path = opts.journalPath
			jc.InMemory = false
		} else if jc.Path == "" {
			jc.InMemory = true
		}
		j, err := journal.Open(jc)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.journal = j
		rt.detach = append(rt.detach, j.Attach(sys))
	}

	metrics, err := telemetry.NewFrameMetrics(otel.Meter("recompose.host"))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("frame metrics: %w", err)
	}
	rt.loop = host.New(comp,
		host.WithLogger(logger),
		host.WithMetrics(metrics),
		host.WithInterval(a.cfg.FrameInterval.Std()),
		host.WithFrameHook(opts.onFrame),
	)

	logger.Debug("runtime ready",
		slog.String("session", rt.session),
		slog.Bool("journal", rt.journal != nil),
	)
	return rt, nil
}

// runner plays scripted list edits against the runtime.
func (rt *runtime) runner() listview.Runner {
	return listview.Runner{Comp: rt.comp, Applier: rt.applier, Loop: rt.loop}
}

// Close detaches observers and releases every component. Safe to call on a
// partially built runtime.
func (rt *runtime) Close() error {
	for i := len(rt.detach) - 1; i >= 0; i-- {
		rt.detach[i]()
	}
	rt.detach = nil

	var errs []error
	if rt.comp != nil {
		rt.comp.Dispose()
	}
	if rt.history != nil {
		rt.history.Close()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if rt.sys != nil {
		if err := rt.sys.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshot system: %w", err))
		}
	}
	return errors.Join(errs...)
}
