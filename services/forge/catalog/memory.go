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
	"fmt"
	"sort"
	"sync"
)

// Memory is a Source backed by compiled packages held in process.
type Memory struct {
	mu   sync.RWMutex
	pkgs map[string]*Package
}

// NewMemory returns a Memory holding pkgs. Later duplicates replace earlier ones.
func NewMemory(pkgs ...*Package) *Memory {
	m := &Memory{pkgs: make(map[string]*Package, len(pkgs))}
	for _, p := range pkgs {
		m.pkgs[p.Name] = p
	}
	return m
}

// Add stores or replaces a package.
func (m *Memory) Add(p *Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkgs[p.Name] = p
}

// Names implements Source.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pkgs))
	for n := range m.pkgs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load implements Source.
func (m *Memory) Load(name string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pkgs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)
	}
	return p, nil
}
