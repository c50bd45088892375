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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/recompose/pkg/ux"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/state"
)

// stressResult summarizes a stress run.
type stressResult struct {
	Writers    int           `json:"writers"`
	Iterations int           `json:"iterations"`
	Objects    int           `json:"objects"`
	Commits    int64         `json:"commits"`
	Conflicts  int64         `json:"conflicts"`
	Sum        int           `json:"sum"`
	Duration   time.Duration `json:"duration"`
}

// Lost reports increments missing from the final sum.
func (r stressResult) Lost() int {
	return r.Writers*r.Iterations - r.Sum
}

// runStress has writers increment shared counters in their own snapshots.
//
// Description:
//
//	Every iteration opens a mutable snapshot, reads one counter, writes it
//	plus one and applies. A conflicting apply is retried in a fresh
//	snapshot. Afterwards the counters must sum to writers*iterations.
//
// Outputs:
//   - stressResult: Counts and the final sum.
//   - error: The first non-conflict error of any writer.
func runStress(ctx context.Context, sys *snapshot.System, writers, iterations, objects int) (stressResult, error) {
	res := stressResult{Writers: writers, Iterations: iterations, Objects: objects}
	if writers < 1 || iterations < 0 || objects < 1 {
		return res, fmt.Errorf("writers and objects must be positive, iterations non-negative")
	}

	counters := make([]*state.Handle[int], objects)
	for i := range counters {
		h, err := state.New(sys, 0)
		if err != nil {
			return res, err
		}
		counters[i] = h
	}

	var commits, conflicts atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		label := fmt.Sprintf("writer-%d", w)
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				h := counters[(w+i)%objects]
				for {
					err := increment(gctx, sys, h, label)
					if err == nil {
						commits.Add(1)
						break
					}
					if !errors.Is(err, snapshot.ErrConflict) {
						return err
					}
					conflicts.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.Duration = time.Since(start)
	res.Commits = commits.Load()
	res.Conflicts = conflicts.Load()
	if err != nil {
		return res, err
	}

	for _, h := range counters {
		v, err := h.Get()
		if err != nil {
			return res, err
		}
		res.Sum += v
	}
	return res, nil
}

func increment(ctx context.Context, sys *snapshot.System, h *state.Handle[int], label string) error {
	s := sys.Open(true, snapshot.WithLabel(label))
	defer s.Dispose()

	v, err := h.GetIn(s)
	if err != nil {
		return err
	}
	if err := h.SetIn(s, v+1); err != nil {
		return err
	}
	return s.Apply(ctx)
}

func newStressCmd(a *app) *cobra.Command {
	var writers, iterations, objects int
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent snapshot writers against shared counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.newRuntime(runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := runStress(cmd.Context(), rt.sys, writers, iterations, objects)
			p := ux.NewPrinter(cmd.OutOrStdout())
			if err != nil {
				p.Error("stress run failed: %v", err)
				return err
			}

			stats := rt.sys.Stats()
			p.Title("stress")
			p.KV(
				ux.F("writers", res.Writers),
				ux.F("iterations", res.Iterations),
				ux.F("objects", res.Objects),
				ux.F("commits", res.Commits),
				ux.F("conflicts", res.Conflicts),
				ux.F("sum", res.Sum),
				ux.F("committed_id", stats.Committed),
				ux.F("records", stats.Records),
				ux.F("duration", res.Duration.Round(time.Microsecond)),
			)
			a.log().Info("stress run finished",
				slog.Int64("commits", res.Commits),
				slog.Int64("conflicts", res.Conflicts),
				slog.Duration("duration", res.Duration),
			)

			if lost := res.Lost(); lost != 0 {
				p.Error("%d increments lost", lost)
				return fmt.Errorf("stress: %d increments lost", lost)
			}
			p.Success("no lost updates")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&writers, "writers", 8, "concurrent writers")
	flags.IntVar(&iterations, "iterations", 100, "increments per writer")
	flags.IntVar(&objects, "objects", 4, "shared counters")
	return cmd
}
