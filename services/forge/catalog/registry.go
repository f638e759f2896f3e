// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// PackageFile is the definition file name inside each package directory.
const PackageFile = "package.yaml"

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Root is the repository root; definitions live under Root/packages.
	Root string

	// LoadConcurrency bounds parallel loads in LoadAll. Default: 8.
	LoadConcurrency int

	// Logger for load events. Default: slog.Default().
	Logger *slog.Logger
}

// Registry is a Source reading package definitions from a YAML repository.
//
// Description:
//
//	Package names are indexed eagerly by listing Root/packages. A definition
//	is read, validated and compiled on its first query and memoized by name.
//	Concurrent first queries for the same name share one load. Cached
//	definitions change only through Invalidate and InvalidateAll.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	root        string
	concurrency int
	logger      *slog.Logger

	mu         sync.RWMutex
	names      []string
	cache      map[string]*Package
	generation uint64

	flight singleflight.Group
}

// NewRegistry indexes the package names under cfg.Root.
//
// Outputs:
//
//	*Registry - Ready registry. No definition has been read yet.
//	error - Non-nil if Root/packages cannot be listed.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		root:        cfg.Root,
		concurrency: cfg.LoadConcurrency,
		logger:      cfg.Logger.With("component", "catalog.registry"),
		cache:       make(map[string]*Package),
	}
	names, err := r.scan()
	if err != nil {
		return nil, err
	}
	r.names = names
	r.logger.Debug("indexed package repository", "root", cfg.Root, "packages", len(names))
	return r, nil
}

// Root returns the repository root.
func (r *Registry) Root() string { return r.root }

func (r *Registry) packagesDir() string { return filepath.Join(r.root, "packages") }

func (r *Registry) scan() ([]string, error) {
	entries, err := os.ReadDir(r.packagesDir())
	if err != nil {
		return nil, fmt.Errorf("listing package repository %s: %w", r.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if r.definitionPath(e.Name()) != "" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Names implements Source.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Load implements Source.
func (r *Registry) Load(name string) (*Package, error) {
	r.mu.RLock()
	if p, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	gen := r.generation
	known := false
	for _, n := range r.names {
		if n == name {
			known = true
			break
		}
	}
	r.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)
	}

	result, err, _ := r.flight.Do(name, func() (interface{}, error) {
		p, err := r.read(name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.generation == gen {
			r.cache[name] = p
		}
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Package), nil
}

// definitionPath returns the definition file of name, preferring YAML, or
// "" when the directory has none.
func (r *Registry) definitionPath(name string) string {
	for _, file := range []string{PackageFile, PackageFileHCL} {
		path := filepath.Join(r.packagesDir(), name, file)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (r *Registry) read(name string) (*Package, error) {
	start := time.Now()
	path := r.definitionPath(name)
	if path == "" {
		return nil, &PackageError{Name: name, Err: fmt.Errorf("%w: no definition file", ErrUnknownPackage)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &PackageError{Name: name, Path: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxPackageFileSize+1))
	if err != nil {
		return nil, &PackageError{Name: name, Path: path, Err: err}
	}
	if len(data) > MaxPackageFileSize {
		return nil, &PackageError{Name: name, Path: path, Err: fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidPackage, MaxPackageFileSize)}
	}

	var decl PackageYAML
	if filepath.Base(path) == PackageFileHCL {
		if decl, err = DecodeHCL(path, data); err != nil {
			return nil, &PackageError{Name: name, Path: path, Err: err}
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&decl); err != nil {
			return nil, &PackageError{Name: name, Path: path, Err: fmt.Errorf("%w: %v", ErrInvalidPackage, err)}
		}
	}
	if decl.Name != name {
		return nil, &PackageError{Name: name, Path: path, Err: fmt.Errorf("%w: file declares name %q", ErrInvalidPackage, decl.Name)}
	}

	p, err := Compile(decl)
	if err != nil {
		var perr *PackageError
		if errors.As(err, &perr) {
			perr.Path = path
			return nil, perr
		}
		return nil, err
	}

	r.logger.Debug("loaded package definition", "package", name, "duration", time.Since(start))
	return p, nil
}

// LoadAll loads every indexed package concurrently, returned in name order.
func (r *Registry) LoadAll(ctx context.Context) ([]*Package, error) {
	names := r.Names()
	out := make([]*Package, len(names))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			p, err := r.Load(name)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops the cached definition of name. The next query rereads it.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	r.generation++
}

// InvalidateAll drops every cached definition and rescans package names.
func (r *Registry) InvalidateAll() {
	names, err := r.scan()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*Package)
	r.generation++
	if err != nil {
		r.logger.Warn("rescanning package repository failed, keeping old index", "root", r.root, "error", err)
		return
	}
	r.names = names
}
