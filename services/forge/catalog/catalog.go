// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog describes the packages that can be built.
//
// A Source supplies package definitions by name: Registry reads them lazily
// from a YAML repository on disk, Memory holds them in process. Index wraps a
// Source and answers the queries the concretizer makes, including the
// virtual-to-provider index.
//
// Thread Safety:
//
//	Index, Registry and Memory are safe for concurrent use.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// Catalog answers package metadata queries.
type Catalog interface {
	// Names lists real (non-virtual) package names, sorted.
	Names() []string

	// Exists reports whether name is a real package.
	Exists(name string) bool

	// IsVirtual reports whether name is provided by some package and is not
	// itself a package. Answering may load every definition; a definition
	// that fails to load is returned as the error.
	IsVirtual(name string) (bool, error)

	// Package returns the full definition of name.
	Package(name string) (*Package, error)

	// Versions lists declared versions in declaration order.
	Versions(name string) ([]VersionInfo, error)

	// Variants lists declared variants in declaration order.
	Variants(name string) ([]Variant, error)

	// Dependencies lists the rules whose when-predicate the depender meets.
	Dependencies(name string, depender *spec.Node) ([]Dependency, error)

	// Conflicts lists declared conflicts.
	Conflicts(name string) ([]Conflict, error)

	// Providers lists provide declarations for a virtual, ordered by
	// package name then declaration order.
	Providers(virtual string) ([]Provider, error)
}

// Provider is one package's declaration that it implements a virtual.
type Provider struct {
	Package string
	Virtual *spec.Spec
	When    *spec.Spec
}

// Source supplies package definitions.
type Source interface {
	Names() []string
	Load(name string) (*Package, error)
}

// bulkLoader is implemented by sources that can load every package at once.
type bulkLoader interface {
	LoadAll(ctx context.Context) ([]*Package, error)
}

// invalidator is implemented by sources with a cache.
type invalidator interface {
	Invalidate(name string)
	InvalidateAll()
}

// Index implements Catalog over a Source.
type Index struct {
	src Source

	mu        sync.Mutex
	providers map[string][]Provider
}

var _ Catalog = (*Index)(nil)

// NewIndex wraps src.
func NewIndex(src Source) *Index {
	return &Index{src: src}
}

// Names implements Catalog.
func (x *Index) Names() []string { return x.src.Names() }

// Exists implements Catalog.
func (x *Index) Exists(name string) bool {
	names := x.src.Names()
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name
}

// IsVirtual implements Catalog.
func (x *Index) IsVirtual(name string) (bool, error) {
	if x.Exists(name) {
		return false, nil
	}
	idx, err := x.providerIndex()
	if err != nil {
		return false, fmt.Errorf("indexing providers: %w", err)
	}
	return len(idx[name]) > 0, nil
}

// Package implements Catalog.
func (x *Index) Package(name string) (*Package, error) {
	if !x.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)
	}
	return x.src.Load(name)
}

// Versions implements Catalog.
func (x *Index) Versions(name string) ([]VersionInfo, error) {
	p, err := x.Package(name)
	if err != nil {
		return nil, err
	}
	return p.Versions, nil
}

// Variants implements Catalog.
func (x *Index) Variants(name string) ([]Variant, error) {
	p, err := x.Package(name)
	if err != nil {
		return nil, err
	}
	return p.Variants, nil
}

// Dependencies implements Catalog.
func (x *Index) Dependencies(name string, depender *spec.Node) ([]Dependency, error) {
	p, err := x.Package(name)
	if err != nil {
		return nil, err
	}
	var out []Dependency
	for _, d := range p.Dependencies {
		if d.When == nil || depender.Satisfies(d.When) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Conflicts implements Catalog.
func (x *Index) Conflicts(name string) ([]Conflict, error) {
	p, err := x.Package(name)
	if err != nil {
		return nil, err
	}
	return p.Conflicts, nil
}

// Providers implements Catalog.
func (x *Index) Providers(virtual string) ([]Provider, error) {
	idx, err := x.providerIndex()
	if err != nil {
		return nil, err
	}
	if len(idx[virtual]) == 0 {
		return nil, fmt.Errorf("%w: no provider for %s", ErrUnknownPackage, virtual)
	}
	return idx[virtual], nil
}

// Invalidate drops cached state for name, including the provider index.
func (x *Index) Invalidate(name string) {
	if inv, ok := x.src.(invalidator); ok {
		inv.Invalidate(name)
	}
	x.mu.Lock()
	x.providers = nil
	x.mu.Unlock()
}

// InvalidateAll drops every cached definition.
func (x *Index) InvalidateAll() {
	if inv, ok := x.src.(invalidator); ok {
		inv.InvalidateAll()
	}
	x.mu.Lock()
	x.providers = nil
	x.mu.Unlock()
}

// providerIndex loads every package once to map virtuals to providers.
func (x *Index) providerIndex() (map[string][]Provider, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.providers != nil {
		return x.providers, nil
	}

	var pkgs []*Package
	if bl, ok := x.src.(bulkLoader); ok {
		all, err := bl.LoadAll(context.Background())
		if err != nil {
			return nil, err
		}
		pkgs = all
	} else {
		for _, name := range x.src.Names() {
			p, err := x.src.Load(name)
			if err != nil {
				return nil, err
			}
			pkgs = append(pkgs, p)
		}
	}

	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	idx := make(map[string][]Provider)
	for _, p := range pkgs {
		for _, pr := range p.Provides {
			idx[pr.Virtual.Name] = append(idx[pr.Virtual.Name], Provider{Package: p.Name, Virtual: pr.Virtual, When: pr.When})
		}
	}
	x.providers = idx
	return idx, nil
}
