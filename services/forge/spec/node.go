// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package spec

import (
	"sort"
	"strings"

	"github.com/AleutianAI/stackforge/services/forge/version"
)

// Edge references a dependency node by dag hash.
type Edge struct {
	Name  string  `json:"name"`
	Hash  string  `json:"hash"`
	Types DepType `json:"types"`
}

// Node is one concrete package: every field holds a single value.
type Node struct {
	Name     string                  `json:"name"`
	Version  version.Version         `json:"version"`
	Variants map[string]VariantValue `json:"variants,omitempty"`
	Compiler Compiler                `json:"compiler"`
	Arch     Arch                    `json:"arch"`

	// External is the prefix of a pre-installed package. External nodes
	// have no dependencies and are never built.
	External string `json:"external,omitempty"`

	// Deps are sorted by name.
	Deps []Edge `json:"deps,omitempty"`

	// Hash is filled in by DAG.Add.
	Hash string `json:"hash"`
}

// ShortHash returns the first seven characters of the dag hash.
func (n *Node) ShortHash() string {
	if len(n.Hash) < 7 {
		return n.Hash
	}
	return n.Hash[:7]
}

// IsExternal reports whether the node refers to a pre-installed package.
func (n *Node) IsExternal() bool { return n.External != "" }

// Variant returns the value of a variant, or nil.
func (n *Node) Variant(name string) VariantValue { return n.Variants[name] }

// Edge returns the edge to the named dependency.
func (n *Node) Edge(name string) (Edge, bool) {
	for _, e := range n.Deps {
		if e.Name == name {
			return e, true
		}
	}
	return Edge{}, false
}

// SortEdges puts edges in canonical order.
func (n *Node) SortEdges() {
	sort.Slice(n.Deps, func(i, j int) bool { return n.Deps[i].Name < n.Deps[j].Name })
}

// Satisfies reports whether the node meets every constraint of p other
// than its ^dep clauses, which need the surrounding DAG (see DAG.Satisfies).
func (n *Node) Satisfies(p *Spec) bool {
	if p == nil {
		return true
	}
	if p.Name != "" && p.Name != n.Name {
		return false
	}
	if !n.Version.IsZero() && !p.Versions.Contains(n.Version) {
		return false
	}
	if n.Version.IsZero() && !p.Versions.IsAny() {
		return false
	}
	for name, want := range p.Variants {
		have, ok := n.Variants[name]
		if !ok || !have.Contains(want) {
			return false
		}
	}
	if p.Compiler != nil {
		if p.Compiler.Name != n.Compiler.Name {
			return false
		}
		if !p.Compiler.Versions.IsAny() && (n.Compiler.Version.IsZero() || !p.Compiler.Versions.Contains(n.Compiler.Version)) {
			return false
		}
	}
	if !n.Arch.Satisfies(p.Arch) {
		return false
	}
	if p.External != "" && p.External != n.External {
		return false
	}
	return true
}

// Spec returns an abstract spec pinning every field of the node.
func (n *Node) Spec() *Spec {
	s := &Spec{
		Name:     n.Name,
		Versions: version.Exactly(n.Version),
		Arch:     n.Arch,
		External: n.External,
	}
	if len(n.Variants) > 0 {
		s.Variants = make(map[string]VariantValue, len(n.Variants))
		for k, v := range n.Variants {
			s.Variants[k] = append(VariantValue(nil), v...)
		}
	}
	if n.Compiler.Name != "" {
		s.Compiler = &CompilerSpec{Name: n.Compiler.Name}
		if !n.Compiler.Version.IsZero() {
			s.Compiler.Versions = version.Exactly(n.Compiler.Version)
		}
	}
	return s
}

// String renders the node without its dependencies:
// name@version+a~b k=v %compiler@version arch=platform-os-target.
func (n *Node) String() string {
	var b strings.Builder
	b.WriteString(n.Name)
	if !n.Version.IsZero() {
		b.WriteString("@" + n.Version.String())
	}
	writeVariants(&b, n.Variants)
	if n.Compiler.Name != "" {
		b.WriteString(" %" + n.Compiler.String())
	}
	if !n.Arch.IsZero() {
		b.WriteString(" arch=" + n.Arch.String())
	}
	if n.External != "" {
		b.WriteString(" external=" + n.External)
	}
	return b.String()
}

// clone copies the node so DAGs never share mutable state.
func (n *Node) clone() *Node {
	out := *n
	if n.Variants != nil {
		out.Variants = make(map[string]VariantValue, len(n.Variants))
		for k, v := range n.Variants {
			out.Variants[k] = append(VariantValue(nil), v...)
		}
	}
	out.Deps = append([]Edge(nil), n.Deps...)
	return &out
}
