// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// recordPrefix namespaces record keys: rec/<hash>.
const recordPrefix = "rec/"

// BadgerConfig holds configuration for a Badger-backed Database.
type BadgerConfig struct {
	// Path is the directory for Badger files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives Badger's internal log lines and store events.
	// If nil, Badger's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults.
//
// Description:
//
//	Returns a BadgerConfig with:
//	- SyncWrites enabled, since a record must survive a crash once written
//	- 5-minute GC interval
//	- 50% discard ratio threshold
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a Database in an embedded Badger store. Badger holds a directory
// lock, so only one process may open a given path.
type Badger struct {
	db       *badger.DB
	gc       *GCRunner
	logger   *slog.Logger
	inMemory bool
}

// OpenBadger opens a Badger-backed Database.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Badger - The opened store. Caller must call Close() when done.
//	error - *DatabaseError if the path is invalid or the store cannot open.
//
// Thread Safety: The returned store is safe for concurrent use.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &DatabaseError{Op: "open", Err: errors.New("path is required for persistent database")}
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, &DatabaseError{Op: "open", Err: fmt.Errorf("create database directory %s: %w", cfg.Path, err)}
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Badger{
		db:       db,
		logger:   logger.With("component", "store", "backend", "badger"),
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, b.logger)
		if err != nil {
			db.Close()
			return nil, &DatabaseError{Op: "open", Err: fmt.Errorf("create GC runner: %w", err)}
		}
		b.gc = runner
		runner.Start()
	}
	return b, nil
}

// Close stops garbage collection and closes the store.
func (b *Badger) Close() error {
	if b.gc != nil {
		b.gc.Stop()
	}
	return b.db.Close()
}

func recordKey(hash string) []byte { return []byte(recordPrefix + hash) }

func getRecord(txn *badger.Txn, hash string) (*Record, error) {
	item, err := txn.Get(recordKey(hash))
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", hash, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.Hash), val)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// RecordInstall implements Database.
func (b *Badger) RecordInstall(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return &DatabaseError{Op: "record", Hash: rec.Hash, Err: err}
	}
	err := b.update(ctx, func(txn *badger.Txn) error {
		prev, err := getRecord(txn, rec.Hash)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putRecord(txn, merge(prev, rec))
	})
	if err != nil {
		return &DatabaseError{Op: "record", Hash: rec.Hash, Err: err}
	}
	b.logger.Debug("recorded install", "hash", rec.Hash, "package", rec.Node.Name, "explicit", rec.Explicit)
	return nil
}

// UpdateExplicit implements Database.
func (b *Badger) UpdateExplicit(ctx context.Context, hash string, explicit bool) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, hash)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec.Explicit = explicit
		return putRecord(txn, *rec)
	})
	if err != nil {
		return &DatabaseError{Op: "update", Hash: hash, Err: err}
	}
	return nil
}

// IsInstalled implements Database.
func (b *Badger) IsInstalled(ctx context.Context, hash string) (bool, error) {
	rec, err := b.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Installed, nil
}

// Get implements Database.
func (b *Badger) Get(ctx context.Context, hash string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DatabaseError{Op: "get", Hash: hash, Err: err}
	}
	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, hash)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &DatabaseError{Op: "get", Hash: hash, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &DatabaseError{Op: "get", Hash: hash, Err: err}
	}
	return rec, nil
}

// Query implements Database.
func (b *Badger) Query(ctx context.Context, pattern *spec.Spec, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if matches(&rec, pattern, filter) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	sortRecords(out)
	return out, nil
}

// =============================================================================
// Value log GC
// =============================================================================

// GCRunner runs periodic garbage collection on a Badger instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner.
//
// Inputs:
//
//	db - The Badger instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Optional logger for GC events.
//
// Outputs:
//
//	*GCRunner - The runner. Not started until Start() is called.
//	error - Non-nil if inputs are invalid.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to exit.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	case !errors.Is(err, badger.ErrNoRewrite):
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
