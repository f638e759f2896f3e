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
	"io"
	"log/slog"

	"github.com/AleutianAI/stackforge/pkg/logging"
	"github.com/AleutianAI/stackforge/services/forge/build"
	"github.com/AleutianAI/stackforge/services/forge/catalog"
	"github.com/AleutianAI/stackforge/services/forge/concretize"
	"github.com/AleutianAI/stackforge/services/forge/installer"
	"github.com/AleutianAI/stackforge/services/forge/layout"
	"github.com/AleutianAI/stackforge/services/forge/lock"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/store"
)

// app holds the collaborators of one command invocation. Each is opened on
// first use and released by close.
type app struct {
	cfg    *Config
	logger *logging.Logger

	registry *catalog.Registry
	cat      *catalog.Index
	db       store.Database
	locks    *lock.Manager
	closers  []func() error
}

func newApp(cfg *Config, levelOverride string, stderr io.Writer) (*app, error) {
	lc, err := cfg.LoggerConfig(levelOverride)
	if err != nil {
		return nil, err
	}
	lc.Writer = stderr
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logger.Close)
	return a, nil
}

func (a *app) slog() *slog.Logger { return a.logger.Slog() }

func (a *app) catalog() (*catalog.Index, error) {
	if a.cat != nil {
		return a.cat, nil
	}
	reg, err := catalog.NewRegistry(catalog.RegistryConfig{
		Root:            a.cfg.Catalog.Root,
		LoadConcurrency: a.cfg.Catalog.LoadConcurrency,
		Logger:          a.slog(),
	})
	if err != nil {
		return nil, err
	}
	a.registry = reg
	a.cat = catalog.NewIndex(reg)
	return a.cat, nil
}

func (a *app) concretizer() (*concretize.Concretizer, error) {
	cat, err := a.catalog()
	if err != nil {
		return nil, err
	}
	cc, err := a.cfg.ConcretizeOptions()
	if err != nil {
		return nil, err
	}
	cc.Logger = a.slog()
	return concretize.New(cat, cc)
}

// concretizeAll concretizes each argument as one spec.
func (a *app) concretizeAll(ctx context.Context, args []string) ([]*spec.DAG, error) {
	c, err := a.concretizer()
	if err != nil {
		return nil, err
	}
	dags := make([]*spec.DAG, 0, len(args))
	for _, arg := range args {
		abstract, err := spec.Parse(arg)
		if err != nil {
			return nil, err
		}
		dag, err := c.Concretize(ctx, abstract)
		if err != nil {
			return nil, err
		}
		dags = append(dags, dag)
	}
	return dags, nil
}

func (a *app) database() (store.Database, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := store.Open(store.Config{
		Backend: store.Backend(a.cfg.Database.Backend),
		Path:    a.cfg.Database.Path,
		Logger:  a.slog(),
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) lockManager(sessionID string) (*lock.Manager, error) {
	if a.locks != nil {
		return a.locks, nil
	}
	lc := lock.DefaultConfig(a.cfg.Locks.Dir)
	lc.SessionID = sessionID
	lc.TTL = a.cfg.Locks.TTL
	lc.WaitTimeout = a.cfg.Locks.WaitTimeout
	lc.Logger = a.slog()
	m, err := lock.NewManager(lc)
	if err != nil {
		return nil, err
	}
	a.locks = m
	a.closers = append(a.closers, m.Close)
	return m, nil
}

func (a *app) layout() (*layout.Layout, error) {
	return layout.New(a.cfg.InstallRoot)
}

func (a *app) installer(sessionID string) (*installer.Installer, *layout.Layout, error) {
	cat, err := a.catalog()
	if err != nil {
		return nil, nil, err
	}
	db, err := a.database()
	if err != nil {
		return nil, nil, err
	}
	locks, err := a.lockManager(sessionID)
	if err != nil {
		return nil, nil, err
	}
	lay, err := a.layout()
	if err != nil {
		return nil, nil, err
	}
	builder, err := build.NewCommandBuilder(build.CommandConfig{
		Catalog:  cat,
		StageDir: a.cfg.StageDir,
		Logger:   a.slog(),
	})
	if err != nil {
		return nil, nil, err
	}
	inst, err := installer.New(installer.Config{
		Builder:  builder,
		Database: db,
		Locks:    locks,
		Layout:   lay,
		Logger:   a.slog(),
	})
	if err != nil {
		return nil, nil, err
	}
	return inst, lay, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	return nil
}
