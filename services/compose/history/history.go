// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps a bounded, queryable log of committed write sets.
//
// A single goroutine owns the log. Recording never blocks a committer: when
// the intake buffer is full the write set is dropped and counted.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

var (
	// ErrClosed is returned when querying a closed worker.
	ErrClosed = errors.New("history worker is closed")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("recompose.history")

var (
	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "history",
		Name:      "records_total",
		Help:      "Write sets added to history",
	})

	sizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recompose",
		Subsystem: "history",
		Name:      "size",
		Help:      "Write sets currently held in history",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recompose",
		Subsystem: "history",
		Name:      "query_duration_seconds",
		Help:      "Duration of history queries",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"query_type"})

	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "history",
		Name:      "dropped_total",
		Help:      "Write sets dropped because the intake buffer was full",
	})
)

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is one committed write set.
//
// Thread Safety: Immutable after creation. Slices are owned by the record.
type Record struct {
	// Commit is the commit id assigned by the snapshot system.
	Commit snapshot.ID `json:"commit"`

	// Snapshot is the id of the snapshot that applied.
	Snapshot snapshot.ID `json:"snapshot"`

	// Label is the applying snapshot's label.
	Label string `json:"label,omitempty"`

	// Objects lists the objects written.
	Objects []snapshot.ObjectID `json:"objects,omitempty"`

	// Disposed lists the objects tombstoned.
	Disposed []snapshot.ObjectID `json:"disposed,omitempty"`

	// Timestamp is the commit time in Unix milliseconds UTC.
	Timestamp int64 `json:"timestamp"`
}

func newRecord(ws snapshot.WriteSet) Record {
	ts := ws.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	r := Record{
		Commit:    ws.ID,
		Snapshot:  ws.Snapshot,
		Label:     ws.Label,
		Timestamp: ts.UTC().UnixMilli(),
	}
	objs := append([]snapshot.ObjectID(nil), ws.Objects...)
	if ws.Disposed {
		r.Disposed = objs
	} else {
		r.Objects = objs
	}
	return r
}

// touches returns every object the record wrote or tombstoned.
func (r Record) touches() []snapshot.ObjectID {
	out := make([]snapshot.ObjectID, 0, len(r.Objects)+len(r.Disposed))
	out = append(out, r.Objects...)
	return append(out, r.Disposed...)
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

type queryType int

const (
	queryRange queryType = iota
	queryByObject
	queryByCommit
	querySize
	queryAll
)

func (q queryType) String() string {
	switch q {
	case queryRange:
		return "range"
	case queryByObject:
		return "by_object"
	case queryByCommit:
		return "by_commit"
	case querySize:
		return "size"
	default:
		return "all"
	}
}

type queryRequest struct {
	ctx      context.Context
	typ      queryType
	from, to snapshot.ID
	object   snapshot.ObjectID
	resultCh chan queryResult
}

type queryResult struct {
	records []Record
	size    int
}

// DefaultMaxRecords is the default capacity of the log.
const DefaultMaxRecords = 1000

// DefaultIntakeSize is the buffer size for incoming write sets.
const DefaultIntakeSize = 256

const queryChannelSize = 10

// Worker holds the most recent write sets.
//
// Description:
//
//	All state is owned by one goroutine; Observe and the query methods talk
//	to it over channels. The oldest record is evicted once the log reaches
//	its capacity.
//
// Thread Safety: Safe for concurrent use.
type Worker struct {
	recordCh chan snapshot.WriteSet
	queryCh  chan queryRequest
	closeCh  chan struct{}
	doneCh   chan struct{}
	once     sync.Once

	maxRecords int
	logger     *slog.Logger
}

// NewWorker starts a history worker.
//
// Inputs:
//   - maxRecords: Capacity. DefaultMaxRecords if <= 0.
//   - logger: Logger. slog.Default() if nil.
//
// Outputs:
//   - *Worker: Running worker. Call Close to stop it.
func NewWorker(maxRecords int, logger *slog.Logger) *Worker {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		recordCh:   make(chan snapshot.WriteSet, DefaultIntakeSize),
		queryCh:    make(chan queryRequest, queryChannelSize),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		maxRecords: maxRecords,
		logger:     logger.With(slog.String("component", "history")),
	}
	go w.run()
	return w
}

// Attach registers the worker as an apply observer of sys.
//
// Outputs:
//   - func(): Detaches the worker.
func (w *Worker) Attach(sys *snapshot.System) func() {
	return sys.Observe(w.Observe)
}

func (w *Worker) run() {
	defer close(w.doneCh)

	// ring is filled in commit order, then overwritten from head.
	ring := make([]Record, 0, w.maxRecords)
	byObject := make(map[snapshot.ObjectID][]snapshot.ID)
	byCommit := make(map[snapshot.ID]int)
	head := 0

	ordered := func() []Record {
		out := make([]Record, 0, len(ring))
		out = append(out, ring[head:]...)
		return append(out, ring[:head]...)
	}

	add := func(ws snapshot.WriteSet) {
		rec := newRecord(ws)
		if len(ring) < w.maxRecords {
			byCommit[rec.Commit] = len(ring)
			ring = append(ring, rec)
		} else {
			old := ring[head]
			delete(byCommit, old.Commit)
			for _, oid := range old.touches() {
				ids := byObject[oid]
				if len(ids) > 0 && ids[0] == old.Commit {
					ids = ids[1:]
				}
				if len(ids) == 0 {
					delete(byObject, oid)
				} else {
					byObject[oid] = ids
				}
			}
			ring[head] = rec
			byCommit[rec.Commit] = head
			head = (head + 1) % w.maxRecords
		}
		for _, oid := range rec.touches() {
			byObject[oid] = append(byObject[oid], rec.Commit)
		}

		recordsTotal.Inc()
		sizeGauge.Set(float64(len(ring)))
	}

	for {
		select {
		case <-w.closeCh:
			w.logger.Debug("history worker shutting down", slog.Int("records", len(ring)))
			return

		case ws := <-w.recordCh:
			add(ws)

		case q := <-w.queryCh:
			// Queries see every write set queued before them.
			for drained := false; !drained; {
				select {
				case ws := <-w.recordCh:
					add(ws)
				default:
					drained = true
				}
			}
			if err := q.ctx.Err(); err != nil {
				close(q.resultCh)
				continue
			}

			var res queryResult
			switch q.typ {
			case queryRange:
				for _, r := range ordered() {
					if r.Commit > q.from && r.Commit <= q.to {
						res.records = append(res.records, r)
					}
				}
			case queryByObject:
				for _, id := range byObject[q.object] {
					if i, ok := byCommit[id]; ok {
						res.records = append(res.records, ring[i])
					}
				}
			case queryByCommit:
				if i, ok := byCommit[q.from]; ok {
					res.records = []Record{ring[i]}
				}
			case querySize:
				res.size = len(ring)
			case queryAll:
				res.records = ordered()
			}
			sort.Slice(res.records, func(i, j int) bool {
				return res.records[i].Commit < res.records[j].Commit
			})
			q.resultCh <- res
		}
	}
}

// Observe queues ws. It never blocks: when the intake buffer is full the
// write set is dropped and a warning logged. Usable as a
// snapshot.ApplyObserver.
func (w *Worker) Observe(ws snapshot.WriteSet) {
	select {
	case <-w.closeCh:
		return
	default:
	}

	select {
	case w.recordCh <- ws:
	default:
		dropped.Inc()
		w.logger.Warn("history intake full, dropping write set",
			slog.Uint64("commit_id", uint64(ws.ID)),
			slog.String("label", ws.Label),
		)
	}
}

// query sends q to the worker and waits for the answer.
func (w *Worker) query(ctx context.Context, q queryRequest) (queryResult, error) {
	if ctx == nil {
		return queryResult{}, ErrNilContext
	}
	select {
	case <-w.closeCh:
		return queryResult{}, ErrClosed
	default:
	}

	ctx, span := tracer.Start(ctx, "history.Query",
		trace.WithAttributes(attribute.String("query_type", q.typ.String())),
	)
	defer span.End()

	timer := prometheus.NewTimer(queryDuration.WithLabelValues(q.typ.String()))
	defer timer.ObserveDuration()

	q.ctx = ctx
	q.resultCh = make(chan queryResult, 1)

	fail := func(err error) (queryResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return queryResult{}, err
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-w.closeCh:
		return fail(ErrClosed)
	case w.queryCh <- q:
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-w.doneCh:
		return fail(ErrClosed)
	case res, ok := <-q.resultCh:
		if !ok {
			return fail(ctx.Err())
		}
		span.SetAttributes(attribute.Int("result_count", len(res.records)))
		return res, nil
	}
}

// Range returns the records with from < commit <= to, ordered by commit.
func (w *Worker) Range(ctx context.Context, from, to snapshot.ID) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{typ: queryRange, from: from, to: to})
	return res.records, err
}

// ByObject returns the records that wrote or tombstoned oid, oldest first.
func (w *Worker) ByObject(ctx context.Context, oid snapshot.ObjectID) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{typ: queryByObject, object: oid})
	return res.records, err
}

// ByCommit returns the record of one commit.
//
// Outputs:
//   - Record: The record, zero if not held.
//   - bool: True if found.
//   - error: ErrClosed, ErrNilContext or a context error.
func (w *Worker) ByCommit(ctx context.Context, id snapshot.ID) (Record, bool, error) {
	res, err := w.query(ctx, queryRequest{typ: queryByCommit, from: id})
	if err != nil || len(res.records) == 0 {
		return Record{}, false, err
	}
	return res.records[0], true, nil
}

// Size returns the number of records held.
func (w *Worker) Size(ctx context.Context) (int, error) {
	res, err := w.query(ctx, queryRequest{typ: querySize})
	return res.size, err
}

// All returns every record held, ordered by commit.
func (w *Worker) All(ctx context.Context) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{typ: queryAll})
	return res.records, err
}

// Close stops the worker and waits for it. Safe to call more than once.
func (w *Worker) Close() {
	w.once.Do(func() { close(w.closeCh) })
	<-w.doneCh
}
