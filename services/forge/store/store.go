// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store records installed concrete specs, one record per dag hash.
//
// Two backends implement Database:
//
//	SQLite (default) - WAL mode, safe across processes
//	Badger           - embedded key-value store, one process at a time
//
// Records survive restarts, so a re-run resumes from what is installed.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

var (
	// ErrDatabase wraps every backend failure.
	ErrDatabase = errors.New("database error")

	// ErrNotFound indicates no record exists for a hash.
	ErrNotFound = errors.New("record not found")
)

// DatabaseError is a failed store operation.
type DatabaseError struct {
	Op   string
	Hash string
	Err  error
}

func (e *DatabaseError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("database %s %s: %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Is matches ErrDatabase.
func (e *DatabaseError) Is(target error) bool { return target == ErrDatabase }

// Record is one installed (or known external) concrete spec.
type Record struct {
	Hash        string     `json:"hash"`
	Node        *spec.Node `json:"node"`
	Explicit    bool       `json:"explicit"`
	Installed   bool       `json:"installed"`
	Prefix      string     `json:"prefix"`
	External    bool       `json:"external"`
	InstalledAt time.Time  `json:"installed_at"`
}

// Filter narrows Query results. Nil fields match everything.
type Filter struct {
	Explicit  *bool
	Installed *bool
}

func (f Filter) match(r *Record) bool {
	if f.Explicit != nil && r.Explicit != *f.Explicit {
		return false
	}
	if f.Installed != nil && r.Installed != *f.Installed {
		return false
	}
	return true
}

// Database persists install records.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Database interface {
	// Query returns records whose node satisfies pattern (nil matches all),
	// sorted by name then hash. Dependency constraints in pattern are ignored.
	Query(ctx context.Context, pattern *spec.Spec, filter Filter) ([]Record, error)

	// RecordInstall stores rec. An existing explicit flag is never cleared.
	RecordInstall(ctx context.Context, rec Record) error

	// UpdateExplicit sets the explicit flag of an existing record.
	UpdateExplicit(ctx context.Context, hash string, explicit bool) error

	// IsInstalled reports whether hash is recorded as installed.
	IsInstalled(ctx context.Context, hash string) (bool, error)

	// Get returns the record for hash, or ErrNotFound.
	Get(ctx context.Context, hash string) (*Record, error)

	Close() error
}

// Backend names a Database implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
)

// Config selects and configures a backend.
type Config struct {
	// Backend defaults to BackendSQLite.
	Backend Backend

	// Path is the SQLite file or the Badger directory.
	Path string

	// InMemory opens a Badger store with no disk persistence.
	InMemory bool

	Logger *slog.Logger
}

// Open opens the configured backend.
func Open(cfg Config) (Database, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		return OpenSQLite(cfg.Path, cfg.Logger)
	case BackendBadger:
		bc := DefaultBadgerConfig()
		if cfg.InMemory {
			bc = InMemoryBadgerConfig()
		}
		bc.Path = cfg.Path
		bc.Logger = cfg.Logger
		return OpenBadger(bc)
	default:
		return nil, &DatabaseError{Op: "open", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}

// merge applies the never-downgrade rule for explicit.
func merge(prev *Record, next Record) Record {
	if prev != nil && prev.Explicit {
		next.Explicit = true
	}
	if next.InstalledAt.IsZero() {
		next.InstalledAt = time.Now().UTC()
	}
	return next
}

func validate(rec Record) error {
	if rec.Hash == "" {
		return errors.New("record has no hash")
	}
	if rec.Node == nil {
		return errors.New("record has no node")
	}
	if rec.Node.Hash != "" && rec.Node.Hash != rec.Hash {
		return fmt.Errorf("%w: node hash %s", spec.ErrHashMismatch, rec.Node.Hash)
	}
	return nil
}

func matches(r *Record, pattern *spec.Spec, filter Filter) bool {
	if !filter.match(r) {
		return false
	}
	if pattern == nil {
		return true
	}
	return r.Node != nil && r.Node.Satisfies(pattern)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Node.Name != recs[j].Node.Name {
			return recs[i].Node.Name < recs[j].Node.Name
		}
		return recs[i].Hash < recs[j].Hash
	})
}
