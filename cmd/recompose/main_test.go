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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recompose/pkg/validation"
	"github.com/AleutianAI/recompose/services/compose/config"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/listview"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	a := &app{cfg: config.Default()}
	rt, err := a.newRuntime(runtimeOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_Runner(t *testing.T) {
	rt := newTestRuntime(t)

	results, err := rt.runner().Run(context.Background(), listview.DefaultSteps, nil)
	require.NoError(t, err)
	require.Len(t, results, len(listview.DefaultSteps))
	assert.Nil(t, rt.journal, "journal is off by default")

	records, err := rt.history.All(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestRuntime_ForcedJournal(t *testing.T) {
	a := &app{cfg: config.Default()}
	rt, err := a.newRuntime(runtimeOptions{journal: true})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.runner().Run(context.Background(), listview.DefaultSteps, nil)
	require.NoError(t, err)
	entries, err := rt.journal.Replay(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 3)
}

func TestRunStress_NoLostUpdates(t *testing.T) {
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })

	res, err := runStress(context.Background(), sys, 8, 50, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.Commits)
	assert.Equal(t, 400, res.Sum)
	assert.Zero(t, res.Lost())
}

func TestRunStress_InvalidArgs(t *testing.T) {
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })

	_, err := runStress(context.Background(), sys, 0, 1, 1)
	assert.Error(t, err)
	_, err = runStress(context.Background(), sys, 1, 1, 0)
	assert.Error(t, err)
}

func TestConfigCmd(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "max_passes_per_frame: 10")
	assert.Contains(t, out, "frame_interval: 16ms")
}

func TestConfigCmd_MissingFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config")
	assert.Error(t, err)
}

func TestConfigCmd_BadLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "config")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestDemoCmd(t *testing.T) {
	out, err := execute(t, "demo", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "step\treorder")
	assert.Contains(t, out, "step\tinsert d")
	assert.Contains(t, out, "row d (since insert d)")
	assert.Contains(t, out, "└── ")
	assert.Contains(t, out, "OK: 4 steps settled")
}

func TestDemoCmd_JSON(t *testing.T) {
	out, err := execute(t, "demo", "--json", "--log-level", "error")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	var last listview.Result
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, "insert d", last.Step)
	assert.Equal(t, []string{"c", "d", "a"}, last.Items)
}

func TestStressCmd(t *testing.T) {
	out, err := execute(t, "stress", "--writers", "4", "--iterations", "20", "--objects", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "commits\t80")
	assert.Contains(t, out, "sum\t80")
	assert.Contains(t, out, "OK: no lost updates")
}

var sessionLine = regexp.MustCompile(`(?m)^session\t(\S+)$`)

func TestHistoryCmd_ReplaysPersistedSession(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	out, err := execute(t, "history", "--path", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "journal (")
	assert.Contains(t, out, "history (")
	assert.Contains(t, out, "corrupted\t0")

	m := sessionLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	replayed, err := execute(t, "history", "--path", dir, "--session", m[1], "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, replayed, "session\t"+m[1])

	entries := regexp.MustCompile(`journal \((\d+) entries\)`)
	first := entries.FindStringSubmatch(out)
	second := entries.FindStringSubmatch(replayed)
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, first[1], second[1])
	assert.NotEqual(t, "0", first[1])
}

func TestHistoryCmd_UnknownSessionIsEmpty(t *testing.T) {
	out, err := execute(t, "history", "--path", t.TempDir(), "--session", "nobody", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "journal (0 entries)")
}

func TestEntriesTouching(t *testing.T) {
	entries := []journal.Entry{
		{Seq: 1, Objects: []snapshot.ObjectID{1, 2}},
		{Seq: 2, Disposed: []snapshot.ObjectID{2}},
		{Seq: 3, Objects: []snapshot.ObjectID{3}},
	}
	got := entriesTouching(entries, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestServe_StopsOnCancel(t *testing.T) {
	a := &app{cfg: config.Default()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.serve(ctx, serveOptions{addr: "127.0.0.1:0", items: []string{"a"}})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_BadAddress(t *testing.T) {
	a := &app{cfg: config.Default()}
	err := a.serve(context.Background(), serveOptions{addr: "127.0.0.1:-1"})
	assert.Error(t, err)
}

func TestServe_RejectsInvalidItems(t *testing.T) {
	a := &app{cfg: config.Default()}
	err := a.serve(context.Background(), serveOptions{addr: "127.0.0.1:0", items: []string{"a", "a"}})
	assert.ErrorIs(t, err, validation.ErrDuplicateItem)
}
