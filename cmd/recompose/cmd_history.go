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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/recompose/pkg/ux"
	"github.com/AleutianAI/recompose/services/compose/history"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/listview"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

type historyOptions struct {
	path          string
	session       string
	object        int64
	skipCorrupted bool
	checkpoint    bool
}

func newHistoryCmd(a *app) *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the commit journal and history of a demo run",
		Long: `Runs the keyed list demo with a commit journal attached, then replays
the journal and queries the in-memory history. With --session the demo is
skipped and the named session is replayed from --path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := ux.NewPrinter(cmd.OutOrStdout())
			if opts.session != "" {
				return a.replaySession(cmd.Context(), p, opts)
			}
			return a.journaledDemo(cmd.Context(), p, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.path, "path", "", "journal directory (default: configured path, or in memory)")
	flags.StringVar(&opts.session, "session", "", "replay this session instead of running the demo")
	flags.Int64Var(&opts.object, "object", 0, "only show history touching this object id")
	flags.BoolVar(&opts.skipCorrupted, "skip-corrupted", false, "skip corrupted entries and sequence gaps")
	flags.BoolVar(&opts.checkpoint, "checkpoint", false, "checkpoint the journal after replay")
	return cmd
}

// journaledDemo runs the demo with a journal and prints both logs.
func (a *app) journaledDemo(ctx context.Context, p *ux.Printer, opts historyOptions) error {
	rt, err := a.newRuntime(runtimeOptions{journal: true, journalPath: opts.path})
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.runner().Run(ctx, listview.DefaultSteps, nil); err != nil {
		p.Error("%v", err)
		return err
	}

	p.Title("session")
	p.KV(ux.F("session", rt.session))

	entries, err := rt.journal.Replay(ctx)
	if err != nil {
		return err
	}
	printEntries(p, entries)

	var records []history.Record
	if opts.object > 0 {
		records, err = rt.history.ByObject(ctx, snapshot.ObjectID(opts.object))
	} else {
		records, err = rt.history.All(ctx)
	}
	if err != nil {
		return err
	}
	printRecords(p, records)

	return finishJournal(ctx, p, rt.journal, opts)
}

// replaySession replays a persisted session without running anything.
func (a *app) replaySession(ctx context.Context, p *ux.Printer, opts historyOptions) error {
	jc := a.cfg.JournalConfig(opts.session, a.log())
	if opts.path != "" {
		jc.Path = opts.path
	}
	jc.InMemory = false
	jc.SkipCorrupted = opts.skipCorrupted

	j, err := journal.Open(jc)
	if err != nil {
		p.Error("open journal: %v", err)
		return err
	}
	defer j.Close()

	entries, err := j.Replay(ctx)
	if err != nil {
		p.Error("%v", err)
		return err
	}
	if opts.object > 0 {
		entries = entriesTouching(entries, snapshot.ObjectID(opts.object))
	}
	p.Title("session")
	p.KV(ux.F("session", opts.session))
	printEntries(p, entries)
	return finishJournal(ctx, p, j, opts)
}

func finishJournal(ctx context.Context, p *ux.Printer, j *journal.Journal, opts historyOptions) error {
	if opts.checkpoint {
		if err := j.Checkpoint(ctx); err != nil {
			return err
		}
	}
	st := j.Stats()
	p.KV(
		ux.F("entries", st.Entries),
		ux.F("last_seq", st.LastSeq),
		ux.F("bytes", st.Bytes),
		ux.F("corrupted", st.Corrupted),
	)
	if st.Corrupted > 0 {
		p.Warning("%d corrupted entries skipped", st.Corrupted)
	}
	return nil
}

func entriesTouching(entries []journal.Entry, oid snapshot.ObjectID) []journal.Entry {
	var out []journal.Entry
	for _, e := range entries {
		if containsObject(e.Objects, oid) || containsObject(e.Disposed, oid) {
			out = append(out, e)
		}
	}
	return out
}

func containsObject(ids []snapshot.ObjectID, oid snapshot.ObjectID) bool {
	for _, id := range ids {
		if id == oid {
			return true
		}
	}
	return false
}

func printEntries(p *ux.Printer, entries []journal.Entry) {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%4d  commit=%-4d snapshot=%-4d %-10s objects=%v",
			e.Seq, e.Commit, e.Snapshot, labelOrDash(e.Label), e.Objects)
		if len(e.Disposed) > 0 {
			fmt.Fprintf(&b, " disposed=%v", e.Disposed)
		}
		b.WriteByte('\n')
	}
	p.Box(fmt.Sprintf("journal (%d entries)", len(entries)), strings.TrimSuffix(b.String(), "\n"))
}

func printRecords(p *ux.Printer, records []history.Record) {
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "commit=%-4d %-10s objects=%v", r.Commit, labelOrDash(r.Label), r.Objects)
		if len(r.Disposed) > 0 {
			fmt.Fprintf(&b, " disposed=%v", r.Disposed)
		}
		b.WriteByte('\n')
	}
	p.Box(fmt.Sprintf("history (%d records)", len(records)), strings.TrimSuffix(b.String(), "\n"))
}

func labelOrDash(label string) string {
	if label == "" {
		return "-"
	}
	return label
}
