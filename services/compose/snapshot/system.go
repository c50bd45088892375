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
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

type record struct {
	id        ID
	writer    ID
	value     any
	tombstone bool
}

// object holds the committed history of one state object.
//
// The chain is ascending by id and replaced wholesale on every append, so a
// loaded slice is never mutated underneath a reader.
type object struct {
	id    ObjectID
	chain atomic.Pointer[[]record]
}

func (o *object) records() []record {
	p := o.chain.Load()
	if p == nil {
		return nil
	}
	return *p
}

// visibleAt returns the newest record in recs with id <= base.
func visibleAt(recs []record, base ID) (record, bool) {
	i := sort.Search(len(recs), func(i int) bool { return recs[i].id > base })
	if i == 0 {
		return record{}, false
	}
	return recs[i-1], true
}

// changedSince reports whether a writer other than w committed after base.
func (o *object) changedSince(base, w ID) bool {
	recs := o.records()
	for i := len(recs) - 1; i >= 0 && recs[i].id > base; i-- {
		if recs[i].writer != w {
			return true
		}
	}
	return false
}

func (o *object) disposed() bool {
	recs := o.records()
	return len(recs) > 0 && recs[len(recs)-1].tombstone
}

// append must be called with System.commitMu held.
func (o *object) append(r record) {
	recs := o.records()
	next := append(recs[:len(recs):len(recs)], r)
	o.chain.Store(&next)
	recordsLive.Inc()
}

// -----------------------------------------------------------------------------
// System
// -----------------------------------------------------------------------------

// Stats is a point-in-time summary of a System.
type Stats struct {
	Objects   int
	Records   int
	Open      int
	Committed ID
}

// System owns every object, snapshot and commit of one runtime.
//
// Description:
//
//	System is the explicit process-scoped context: the id counter, the object
//	table, the registry of open snapshots, the global snapshot and the apply
//	observers all live here. Independent systems share nothing.
//
// Thread Safety: Safe for concurrent use.
type System struct {
	id     string
	config Config
	logger *slog.Logger

	clock      atomic.Uint64
	committed  atomic.Uint64
	nextObject atomic.Uint64
	closed     atomic.Bool

	// commitMu serializes validation and publication of commits.
	commitMu sync.Mutex
	commits  int

	objMu   sync.RWMutex
	objects map[ObjectID]*object

	openMu sync.Mutex
	open   map[ID]*Snapshot

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObs   int

	global *Snapshot
}

type observerEntry struct {
	key int
	fn  ApplyObserver
}

// NewSystem creates a System with its global snapshot open.
//
// Inputs:
//   - cfg: Configuration. Zero fields take DefaultConfig values, except
//     CollectEvery where 0 disables automatic collection.
//
// Outputs:
//   - *System: Ready for use.
func NewSystem(cfg Config) *System {
	if cfg.EqualityPolicy == "" {
		cfg.EqualityPolicy = DefaultConfig().EqualityPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sysID := uuid.NewString()

	sys := &System{
		id:      sysID,
		config:  cfg,
		logger:  logger.With(slog.String("component", "snapshot"), slog.String("system_id", sysID)),
		objects: make(map[ObjectID]*object),
		open:    make(map[ID]*Snapshot),
	}
	sys.global = sys.openSnapshot(true, nil, []Option{WithLabel("global")})
	sys.global.global = true

	sys.logger.Debug("snapshot system created",
		slog.Int("collect_every", cfg.CollectEvery),
		slog.String("equality_policy", cfg.EqualityPolicy),
	)
	return sys
}

// ID returns the system's unique identifier.
func (sys *System) ID() string {
	return sys.id
}

// Config returns the configuration the system was created with.
func (sys *System) Config() Config {
	return sys.config
}

// Committed returns the id of the newest published commit.
func (sys *System) Committed() ID {
	return ID(sys.committed.Load())
}

// Open creates a top-level snapshot based on the newest committed state.
//
// Inputs:
//   - mutable: Whether the snapshot accepts writes.
//   - opts: Observers and label.
//
// Outputs:
//   - *Snapshot: Open snapshot. Callers must Apply or Dispose it.
func (sys *System) Open(mutable bool, opts ...Option) *Snapshot {
	return sys.openSnapshot(mutable, nil, opts)
}

func (sys *System) openSnapshot(mutable bool, parent *Snapshot, opts []Option) *Snapshot {
	s := &Snapshot{
		sys:      sys,
		mutable:  mutable,
		parent:   parent,
		openedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if mutable {
		s.overlay = make(map[ObjectID]any)
	}

	sys.openMu.Lock()
	s.id = ID(sys.clock.Add(1))
	if parent != nil {
		s.base.Store(uint64(parent.Base()))
	} else {
		s.base.Store(sys.committed.Load())
	}
	sys.open[s.id] = s
	sys.openMu.Unlock()

	mode := "readonly"
	if mutable {
		mode = "mutable"
	}
	snapshotsOpened.WithLabelValues(mode).Inc()
	return s
}

func (sys *System) unregister(s *Snapshot) {
	sys.openMu.Lock()
	delete(sys.open, s.id)
	sys.openMu.Unlock()
}

func (sys *System) object(oid ObjectID) *object {
	sys.objMu.RLock()
	defer sys.objMu.RUnlock()
	return sys.objects[oid]
}

// Global returns the always-open global snapshot.
func (sys *System) Global() *Snapshot {
	return sys.global
}

// NewObject creates a state object and commits its initial value.
//
// Description:
//
//	Creation is committed immediately with a fresh id, so the object is
//	visible to every snapshot opened afterwards and never to snapshots that
//	were already open. If creator is non-nil the object is also visible
//	inside creator (and its children) until creator closes, and the creation
//	record never counts as a conflict for creator's later writes.
//
// Inputs:
//   - initial: Initial value.
//   - creator: Snapshot the object is being created in. May be nil.
//
// Outputs:
//   - ObjectID: The new object's identifier.
//   - error: ErrSystemClosed after Close.
func (sys *System) NewObject(initial any, creator *Snapshot) (ObjectID, error) {
	if sys.closed.Load() {
		return 0, ErrSystemClosed
	}

	var writer ID
	if creator != nil {
		writer = creator.root().id
	}

	oid := ObjectID(sys.nextObject.Add(1))
	o := &object{id: oid}

	sys.commitMu.Lock()
	id := ID(sys.clock.Add(1))
	o.append(record{id: id, writer: writer, value: initial})
	sys.objMu.Lock()
	sys.objects[oid] = o
	sys.objMu.Unlock()
	sys.committed.Store(uint64(id))
	sys.commitMu.Unlock()

	if creator != nil {
		creator.noteCreated(oid, initial)
	}
	return oid, nil
}

// DisposeObject commits a tombstone for oid.
//
// Snapshots based at or after the tombstone observe the object as absent.
// Snapshots opened earlier keep seeing their version.
//
// Outputs:
//   - error: ErrObjectAbsent if the object is unknown or already disposed.
func (sys *System) DisposeObject(oid ObjectID) error {
	sys.commitMu.Lock()
	o := sys.object(oid)
	if o == nil || o.disposed() {
		sys.commitMu.Unlock()
		return fmt.Errorf("%w: object %d", ErrObjectAbsent, oid)
	}
	id := ID(sys.clock.Add(1))
	o.append(record{id: id, tombstone: true})
	sys.committed.Store(uint64(id))
	collect := sys.countCommit()
	sys.commitMu.Unlock()

	sys.emit(WriteSet{
		ID:       id,
		Objects:  []ObjectID{oid},
		Disposed: true,
		Time:     time.Now(),
	})
	if collect {
		sys.Collect()
	}
	return nil
}

// countCommit must be called with commitMu held.
func (sys *System) countCommit() bool {
	if sys.config.CollectEvery <= 0 {
		return false
	}
	sys.commits++
	if sys.commits < sys.config.CollectEvery {
		return false
	}
	sys.commits = 0
	return true
}

// -----------------------------------------------------------------------------
// Global snapshot
// -----------------------------------------------------------------------------

// AdvanceGlobal commits the global snapshot's pending writes.
//
// Description:
//
//	Global writes are committed without conflict validation: the global
//	snapshot is last-writer-wins. Writes to objects disposed in the
//	meantime are dropped. Observers receive the write set like any other
//	commit.
//
// Inputs:
//   - ctx: Context for tracing. Must not be nil.
//
// Outputs:
//   - error: Non-nil only for a nil or cancelled context.
func (sys *System) AdvanceGlobal(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := tracer.Start(ctx, "snapshot.AdvanceGlobal")
	defer span.End()

	sys.advanceGlobal()
	return nil
}

func (sys *System) advanceGlobal() {
	g := sys.global

	g.mu.Lock()
	var ws *WriteSet
	collect := false
	if len(g.overlay) > 0 {
		objs := sortedKeys(g.overlay)

		sys.commitMu.Lock()
		id := ID(sys.clock.Add(1))
		written := make([]ObjectID, 0, len(objs))
		for _, oid := range objs {
			o := sys.object(oid)
			if o == nil || o.disposed() {
				continue
			}
			o.append(record{id: id, writer: g.id, value: g.overlay[oid]})
			written = append(written, oid)
		}
		sys.committed.Store(uint64(id))
		collect = sys.countCommit()
		sys.commitMu.Unlock()

		if len(written) > 0 {
			ws = &WriteSet{ID: id, Snapshot: g.id, Label: g.label, Objects: written, Time: time.Now()}
		}
		clear(g.overlay)
	}
	clear(g.created)
	g.mu.Unlock()

	if ws != nil {
		applyTotal.WithLabelValues("global").Inc()
		sys.emit(*ws)
	}
	if collect {
		sys.Collect()
	}
}

// -----------------------------------------------------------------------------
// Observers
// -----------------------------------------------------------------------------

// Observe registers fn to receive every committed write set.
//
// Outputs:
//   - func(): Unregisters fn. Safe to call more than once.
func (sys *System) Observe(fn ApplyObserver) func() {
	sys.obsMu.Lock()
	sys.nextObs++
	key := sys.nextObs
	sys.observers = append(sys.observers, observerEntry{key: key, fn: fn})
	sys.obsMu.Unlock()

	return func() {
		sys.obsMu.Lock()
		defer sys.obsMu.Unlock()
		sys.observers = slices.DeleteFunc(sys.observers, func(e observerEntry) bool { return e.key == key })
	}
}

func (sys *System) emit(ws WriteSet) {
	sys.obsMu.RLock()
	observers := slices.Clone(sys.observers)
	sys.obsMu.RUnlock()

	for _, e := range observers {
		e.fn(ws)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Stats returns current object, record and snapshot counts.
func (sys *System) Stats() Stats {
	st := Stats{Committed: sys.Committed()}

	sys.objMu.RLock()
	st.Objects = len(sys.objects)
	for _, o := range sys.objects {
		st.Records += len(o.records())
	}
	sys.objMu.RUnlock()

	sys.openMu.Lock()
	st.Open = len(sys.open)
	sys.openMu.Unlock()
	return st
}

// Close commits pending global writes and rejects further object creation.
func (sys *System) Close() error {
	if !sys.closed.CompareAndSwap(false, true) {
		return nil
	}
	sys.advanceGlobal()
	st := sys.Stats()
	sys.logger.Info("snapshot system closed",
		slog.Int("objects", st.Objects),
		slog.Int("records", st.Records),
		slog.Int("open_snapshots", st.Open),
	)
	return nil
}

func sortedKeys(m map[ObjectID]any) []ObjectID {
	keys := make([]ObjectID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
