// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists commit metadata to BadgerDB.
//
// Each committed write set becomes one entry: commit id, applying snapshot,
// label, written and tombstoned object ids, and commit time. Values are not
// journaled. Entries are checksummed with CRC32 and keyed by a per-session
// sequence number, so a replay detects both corruption and gaps.
//
// Key format:   "commit:{session}:" + 8-byte big-endian sequence number
// Value format: [4-byte CRC32][JSON entry]
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/storage/badger"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when an entry fails its checksum.
	ErrCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrSequenceGap is returned when replay finds a missing sequence number.
	ErrSequenceGap = errors.New("journal sequence number gap detected")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidConfig wraps configuration errors.
	ErrInvalidConfig = errors.New("invalid journal config")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("recompose.journal")

var (
	appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "journal",
		Name:      "append_total",
		Help:      "Journal appends, by result",
	}, []string{"result"})

	journalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recompose",
		Subsystem: "journal",
		Name:      "bytes",
		Help:      "Approximate bytes appended since open",
	})

	corruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "journal",
		Name:      "corrupted_total",
		Help:      "Entries that failed checksum validation during replay",
	})
)

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config configures a Journal.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps the journal in RAM.
	InMemory bool

	// SyncWrites fsyncs every append.
	SyncWrites bool

	// SessionID scopes entries. Required.
	SessionID string

	// SkipCorrupted makes Replay skip bad entries and gaps instead of failing.
	SkipCorrupted bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: session id must not be empty", ErrInvalidConfig)
	}
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: path is required for a persistent journal", ErrInvalidConfig)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Entry
// -----------------------------------------------------------------------------

// Entry is one journaled commit.
type Entry struct {
	Seq      uint64              `json:"seq"`
	Commit   snapshot.ID         `json:"commit"`
	Snapshot snapshot.ID         `json:"snapshot"`
	Label    string              `json:"label,omitempty"`
	Objects  []snapshot.ObjectID `json:"objects,omitempty"`
	Disposed []snapshot.ObjectID `json:"disposed,omitempty"`
	Time     time.Time           `json:"time"`
}

func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 5 {
		return Entry{}, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return Entry{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return e, nil
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Stats summarizes a journal.
type Stats struct {
	Entries    int64     `json:"entries"`
	Bytes      int64     `json:"bytes"`
	LastSeq    uint64    `json:"last_seq"`
	Corrupted  int64     `json:"corrupted"`
	Checkpoint time.Time `json:"checkpoint,omitempty"`
}

// Journal appends commit entries to BadgerDB.
//
// Thread Safety: Safe for concurrent use. Appends are serialized so
// sequence numbers are written in order.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	prefix []byte

	mu         sync.Mutex
	seq        atomic.Uint64
	entries    atomic.Int64
	bytes      atomic.Int64
	corrupted  atomic.Int64
	checkpoint atomic.Int64
	closed     atomic.Bool
}

// Open opens or creates the journal for cfg.SessionID.
//
// Description:
//
//	Existing entries of the session are scanned to resume the sequence
//	number.
//
// Outputs:
//   - *Journal: Open journal. Call Close when done.
//   - error: ErrInvalidConfig or a storage error.
func Open(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.InMemory = cfg.InMemory
	dbCfg.SyncWrites = cfg.SyncWrites
	dbCfg.Logger = cfg.Logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:  db,
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("component", "journal"),
			slog.String("session_id", cfg.SessionID),
		),
		prefix: []byte("commit:" + cfg.SessionID + ":"),
	}
	if err := j.resume(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resume sequence: %w", err)
	}

	j.logger.Info("journal opened",
		slog.String("path", db.Path()),
		slog.Bool("sync_writes", cfg.SyncWrites),
		slog.Uint64("last_seq", j.seq.Load()),
	)
	return j, nil
}

func (j *Journal) key(seq uint64) []byte {
	k := make([]byte, len(j.prefix)+8)
	copy(k, j.prefix)
	binary.BigEndian.PutUint64(k[len(j.prefix):], seq)
	return k
}

func (j *Journal) seqOf(key []byte) (uint64, bool) {
	if len(key) != len(j.prefix)+8 || !bytes.HasPrefix(key, j.prefix) {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(j.prefix):]), true
}

func (j *Journal) checkpointKey() []byte {
	return []byte("checkpoint:" + j.cfg.SessionID)
}

// resume loads the checkpoint and the highest sequence number.
func (j *Journal) resume(ctx context.Context) error {
	return j.db.View(ctx, func(txn *dgbadger.Txn) error {
		if item, err := txn.Get(j.checkpointKey()); err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(v) == 16 {
				j.seq.Store(binary.BigEndian.Uint64(v[:8]))
				j.checkpoint.Store(int64(binary.BigEndian.Uint64(v[8:])))
			}
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			seq, ok := j.seqOf(it.Item().Key())
			if !ok {
				continue
			}
			j.entries.Add(1)
			if seq > j.seq.Load() {
				j.seq.Store(seq)
			}
		}
		return nil
	})
}

// Append journals ws.
//
// Outputs:
//   - error: ErrNilContext, ErrClosed, a context error or a storage error.
func (j *Journal) Append(ctx context.Context, ws snapshot.WriteSet) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrClosed
	}

	ctx, span := tracer.Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("session_id", j.cfg.SessionID),
			attribute.Int64("commit_id", int64(ws.ID)),
		),
	)
	defer span.End()

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq.Load() + 1
	ts := ws.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{
		Seq:      seq,
		Commit:   ws.ID,
		Snapshot: ws.Snapshot,
		Label:    ws.Label,
		Time:     ts.UTC(),
	}
	if ws.Disposed {
		e.Disposed = ws.Objects
	} else {
		e.Objects = ws.Objects
	}
	data, err := encodeEntry(e)
	if err != nil {
		appendTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return err
	}

	if err := j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.key(seq), data)
	}); err != nil {
		appendTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write entry %d: %w", seq, err)
	}

	j.seq.Store(seq)
	j.entries.Add(1)
	journalBytes.Set(float64(j.bytes.Add(int64(len(data)))))
	appendTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int64("seq", int64(seq)), attribute.Int("bytes", len(data)))
	return nil
}

// Observe journals ws, logging failures. Usable as a snapshot.ApplyObserver.
func (j *Journal) Observe(ws snapshot.WriteSet) {
	if err := j.Append(context.Background(), ws); err != nil && !errors.Is(err, ErrClosed) {
		j.logger.Warn("journal append failed",
			slog.Uint64("commit_id", uint64(ws.ID)),
			slog.String("error", err.Error()),
		)
	}
}

// Attach journals every commit of sys until the returned func is called.
func (j *Journal) Attach(sys *snapshot.System) func() {
	return sys.Observe(j.Observe)
}

// Replay returns the entries after the last checkpoint in sequence order.
//
// Description:
//
//	Corrupted entries and sequence gaps fail the replay unless
//	SkipCorrupted is set, in which case they are logged and skipped.
//
// Outputs:
//   - []Entry: Entries in order.
//   - error: ErrCorrupted, ErrSequenceGap, ErrClosed, or a storage error.
func (j *Journal) Replay(ctx context.Context) ([]Entry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if j.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracer.Start(ctx, "journal.Replay",
		trace.WithAttributes(attribute.String("session_id", j.cfg.SessionID)),
	)
	defer span.End()

	var out []Entry
	skipped := 0
	err := j.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var last uint64
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq, ok := j.seqOf(item.Key())
			if !ok {
				continue
			}
			if last > 0 && seq != last+1 {
				gap := fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, last+1, seq)
				if !j.cfg.SkipCorrupted {
					return gap
				}
				j.logger.Warn("skipping sequence gap", slog.String("error", gap.Error()))
			}
			last = seq

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := decodeEntry(val)
			if err != nil {
				j.corrupted.Add(1)
				corruptedTotal.Inc()
				if !j.cfg.SkipCorrupted {
					return fmt.Errorf("entry %d: %w", seq, err)
				}
				skipped++
				j.logger.Warn("skipping corrupted entry",
					slog.Uint64("seq", seq),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay: %w", err)
	}

	span.SetAttributes(attribute.Int("entries", len(out)), attribute.Int("skipped", skipped))
	j.logger.Debug("replay completed", slog.Int("entries", len(out)), slog.Int("skipped", skipped))
	return out, nil
}

// Checkpoint deletes every entry up to the current sequence number. The
// sequence continues from where it was.
func (j *Journal) Checkpoint(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if j.closed.Load() {
		return ErrClosed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	seq := j.seq.Load()
	marker := make([]byte, 16)
	binary.BigEndian.PutUint64(marker[:8], seq)
	binary.BigEndian.PutUint64(marker[8:], uint64(now.Unix()))

	err := j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Set(j.checkpointKey(), marker)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	j.entries.Store(0)
	j.checkpoint.Store(now.Unix())
	j.logger.Info("journal checkpointed", slog.Uint64("seq", seq))
	return nil
}

// Stats returns counters for the journal.
func (j *Journal) Stats() Stats {
	s := Stats{
		Entries:   j.entries.Load(),
		Bytes:     j.bytes.Load(),
		LastSeq:   j.seq.Load(),
		Corrupted: j.corrupted.Load(),
	}
	if ts := j.checkpoint.Load(); ts > 0 {
		s.Checkpoint = time.Unix(ts, 0)
	}
	return s
}

// Close syncs and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("journal sync on close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}
