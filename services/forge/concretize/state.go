// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concretize

import (
	"sort"
	"strings"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// requestSource labels constraints that come from the user's request.
const requestSource = "request"

// requirement is one constraint on a package, with where it came from.
type requirement struct {
	from string
	spec *spec.Spec
}

func (r requirement) String() string {
	return r.from + " requires " + r.spec.String()
}

type pendingEdge struct {
	target string
	types  spec.DepType
}

// inherited is the compiler and arch a package takes from its first depender.
type inherited struct {
	compiler spec.Compiler
	arch     spec.Arch
}

// state is one partial assignment. Each search branch owns its own copy;
// specs and nodes stored in it are never mutated after insertion.
type state struct {
	reqs      map[string][]requirement
	merged    map[string]*spec.Spec
	inherit   map[string]inherited
	assigned  map[string]*spec.Node
	edges     map[string][]pendingEdge
	providers map[string]string
	queue     []string
	head      int
	queued    map[string]bool
}

func newState() *state {
	return &state{
		reqs:      make(map[string][]requirement),
		merged:    make(map[string]*spec.Spec),
		inherit:   make(map[string]inherited),
		assigned:  make(map[string]*spec.Node),
		edges:     make(map[string][]pendingEdge),
		providers: make(map[string]string),
		queued:    make(map[string]bool),
	}
}

func (s *state) clone() *state {
	out := &state{
		reqs:      make(map[string][]requirement, len(s.reqs)),
		merged:    make(map[string]*spec.Spec, len(s.merged)),
		inherit:   make(map[string]inherited, len(s.inherit)),
		assigned:  make(map[string]*spec.Node, len(s.assigned)),
		edges:     make(map[string][]pendingEdge, len(s.edges)),
		providers: make(map[string]string, len(s.providers)),
		queue:     append([]string(nil), s.queue...),
		head:      s.head,
		queued:    make(map[string]bool, len(s.queued)),
	}
	for k, v := range s.reqs {
		out.reqs[k] = append([]requirement(nil), v...)
	}
	for k, v := range s.merged {
		out.merged[k] = v
	}
	for k, v := range s.inherit {
		out.inherit[k] = v
	}
	for k, v := range s.assigned {
		out.assigned[k] = v
	}
	for k, v := range s.edges {
		out.edges[k] = append([]pendingEdge(nil), v...)
	}
	for k, v := range s.providers {
		out.providers[k] = v
	}
	for k, v := range s.queued {
		out.queued[k] = v
	}
	return out
}

func (s *state) enqueue(name string) {
	if s.queued[name] {
		return
	}
	s.queued[name] = true
	s.queue = append(s.queue, name)
}

// next pops the next package or virtual still awaiting a decision.
func (s *state) next() (string, bool) {
	for s.head < len(s.queue) {
		name := s.queue[s.head]
		s.head++
		if _, done := s.assigned[name]; done {
			continue
		}
		if _, done := s.providers[name]; done {
			continue
		}
		return name, true
	}
	return "", false
}

func (s *state) setInherit(name string, from inherited) {
	if _, ok := s.inherit[name]; !ok {
		s.inherit[name] = from
	}
}

func (s *state) addEdge(from, to string, types spec.DepType) {
	for i, e := range s.edges[from] {
		if e.target == to {
			s.edges[from][i].types |= types
			return
		}
	}
	s.edges[from] = append(s.edges[from], pendingEdge{target: to, types: types})
}

// mergedSpec returns the accumulated constraints on name.
func (s *state) mergedSpec(name string) *spec.Spec {
	if m, ok := s.merged[name]; ok {
		return m
	}
	return spec.New(name)
}

// describe summarizes every requirement on name.
func (s *state) describe(name string) string {
	reqs := s.reqs[name]
	if len(reqs) == 0 {
		return name
	}
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = r.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// requestedBy reports whether the user's request constrains name.
func (s *state) requestedBy(name string) bool {
	for _, r := range s.reqs[name] {
		if r.from == requestSource {
			return true
		}
	}
	return false
}

// resolve maps a virtual to its chosen provider; other names pass through.
func (s *state) resolve(name string) string {
	if p, ok := s.providers[name]; ok {
		return p
	}
	return name
}
