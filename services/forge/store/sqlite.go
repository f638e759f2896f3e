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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/stackforge/services/forge/spec"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	hash         TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	node         TEXT NOT NULL,
	explicit     INTEGER NOT NULL DEFAULT 0,
	installed    INTEGER NOT NULL DEFAULT 0,
	prefix       TEXT NOT NULL DEFAULT '',
	external     INTEGER NOT NULL DEFAULT 0,
	installed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_name ON records(name);
`

// SQLite is a Database in a single SQLite file in WAL mode. Several
// processes may share the file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, &DatabaseError{Op: "open", Err: errors.New("path is required")}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db, path: path, logger: logger.With("component", "store", "backend", "sqlite")}
	err = retryOp(context.Background(), defaultRetryConfig, func() error {
		_, err := db.Exec(sqliteSchema)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "migrate", Err: err}
	}
	return s, nil
}

// Path returns the database file.
func (s *SQLite) Path() string { return s.path }

// Close implements Database.
func (s *SQLite) Close() error { return s.db.Close() }

// RecordInstall implements Database. The explicit flag is merged with MAX so
// a concurrent writer cannot clear it either.
func (s *SQLite) RecordInstall(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return &DatabaseError{Op: "record", Hash: rec.Hash, Err: err}
	}
	rec = merge(nil, rec)
	node, err := json.Marshal(rec.Node)
	if err != nil {
		return &DatabaseError{Op: "record", Hash: rec.Hash, Err: err}
	}

	err = retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (hash, name, version, node, explicit, installed, prefix, external, installed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(hash) DO UPDATE SET
				node = excluded.node,
				explicit = MAX(records.explicit, excluded.explicit),
				installed = excluded.installed,
				prefix = excluded.prefix,
				external = excluded.external,
				installed_at = excluded.installed_at`,
			rec.Hash, rec.Node.Name, rec.Node.Version.String(), string(node),
			boolInt(rec.Explicit), boolInt(rec.Installed), rec.Prefix, boolInt(rec.External),
			rec.InstalledAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return &DatabaseError{Op: "record", Hash: rec.Hash, Err: err}
	}
	s.logger.Debug("recorded install", "hash", rec.Hash, "package", rec.Node.Name, "explicit", rec.Explicit)
	return nil
}

// UpdateExplicit implements Database.
func (s *SQLite) UpdateExplicit(ctx context.Context, hash string, explicit bool) error {
	var affected int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE records SET explicit = ? WHERE hash = ?`, boolInt(explicit), hash)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &DatabaseError{Op: "update", Hash: hash, Err: err}
	}
	if affected == 0 {
		return &DatabaseError{Op: "update", Hash: hash, Err: ErrNotFound}
	}
	return nil
}

// IsInstalled implements Database.
func (s *SQLite) IsInstalled(ctx context.Context, hash string) (bool, error) {
	var installed int
	err := s.db.QueryRowContext(ctx, `SELECT installed FROM records WHERE hash = ?`, hash).Scan(&installed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &DatabaseError{Op: "query", Hash: hash, Err: err}
	}
	return installed != 0, nil
}

// Get implements Database.
func (s *SQLite) Get(ctx context.Context, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, node, explicit, installed, prefix, external, installed_at FROM records WHERE hash = ?`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &DatabaseError{Op: "get", Hash: hash, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &DatabaseError{Op: "get", Hash: hash, Err: err}
	}
	return rec, nil
}

// Query implements Database.
func (s *SQLite) Query(ctx context.Context, pattern *spec.Spec, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if pattern != nil && pattern.Name != "" {
		where = append(where, "name = ?")
		args = append(args, pattern.Name)
	}
	if filter.Explicit != nil {
		where = append(where, "explicit = ?")
		args = append(args, boolInt(*filter.Explicit))
	}
	if filter.Installed != nil {
		where = append(where, "installed = ?")
		args = append(args, boolInt(*filter.Installed))
	}
	q := `SELECT hash, node, explicit, installed, prefix, external, installed_at FROM records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &DatabaseError{Op: "query", Err: err}
		}
		if matches(rec, pattern, filter) {
			out = append(out, *rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	sortRecords(out)
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                           Record
		node, installedAt             string
		explicit, installed, external int
	)
	if err := row.Scan(&rec.Hash, &node, &explicit, &installed, &rec.Prefix, &external, &installedAt); err != nil {
		return nil, err
	}
	rec.Node = &spec.Node{}
	if err := json.Unmarshal([]byte(node), rec.Node); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", rec.Hash, err)
	}
	rec.Explicit = explicit != 0
	rec.Installed = installed != 0
	rec.External = external != 0
	t, err := time.Parse(time.RFC3339Nano, installedAt)
	if err != nil {
		return nil, fmt.Errorf("decode installed_at %s: %w", rec.Hash, err)
	}
	rec.InstalledAt = t
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
