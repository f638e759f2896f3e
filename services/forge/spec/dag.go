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
	"fmt"
	"sort"
	"strings"
)

// DAG is an arena of concrete nodes keyed by dag hash.
//
// Nodes are added dependencies first; Add refuses edges to hashes that are
// not yet present, which keeps the graph acyclic by construction.
type DAG struct {
	Root  string           `json:"root"`
	Nodes map[string]*Node `json:"nodes"`
}

// NewDAG returns an empty DAG.
func NewDAG() *DAG {
	return &DAG{Nodes: make(map[string]*Node)}
}

// Add hashes n and stores it, returning the dag hash.
//
// Inputs:
//
//	n - Concrete node whose dependency edges already reference nodes in d.
//
// Outputs:
//
//	string - The dag hash. Adding a structurally identical node again
//	         returns the same hash and keeps the first instance.
//	error - ErrUnknownNode wrapped with detail if an edge is dangling.
func (d *DAG) Add(n *Node) (string, error) {
	for _, e := range n.Deps {
		if _, ok := d.Nodes[e.Hash]; !ok {
			return "", fmt.Errorf("%w: %s depends on %s/%s", ErrUnknownNode, n.Name, e.Name, e.Hash)
		}
		if e.Types == 0 {
			return "", fmt.Errorf("%w: %s edge to %s has no dependency types", ErrConstraint, n.Name, e.Name)
		}
	}
	stored := n.clone()
	stored.SortEdges()
	stored.Hash = ComputeHash(stored)
	if existing, ok := d.Nodes[stored.Hash]; ok {
		return existing.Hash, nil
	}
	if d.Nodes == nil {
		d.Nodes = make(map[string]*Node)
	}
	d.Nodes[stored.Hash] = stored
	return stored.Hash, nil
}

// Get returns the node with the given hash.
func (d *DAG) Get(hash string) (*Node, bool) {
	n, ok := d.Nodes[hash]
	return n, ok
}

// RootNode returns the root node, or nil for an empty DAG.
func (d *DAG) RootNode() *Node { return d.Nodes[d.Root] }

// Len returns the number of distinct nodes.
func (d *DAG) Len() int { return len(d.Nodes) }

// Closure returns hash and every node reachable from it through edges whose
// types intersect mask, dependencies before dependents. A zero mask follows
// every edge. Order is deterministic: edges are visited in name order.
func (d *DAG) Closure(hash string, mask DepType) []string {
	if mask == 0 {
		mask = AllDepTypes
	}
	var order []string
	visited := make(map[string]bool)
	var visit func(h string)
	visit = func(h string) {
		if visited[h] {
			return
		}
		visited[h] = true
		n, ok := d.Nodes[h]
		if !ok {
			return
		}
		for _, e := range n.Deps {
			if e.Types.Has(mask) {
				visit(e.Hash)
			}
		}
		order = append(order, h)
	}
	visit(hash)
	return order
}

// TopoOrder returns the root's closure, dependencies first.
func (d *DAG) TopoOrder() []string { return d.Closure(d.Root, 0) }

// Find returns the node named name in the root's closure.
func (d *DAG) Find(name string) *Node {
	for _, h := range d.TopoOrder() {
		if n := d.Nodes[h]; n.Name == name {
			return n
		}
	}
	return nil
}

// Dependents returns hashes of nodes with an edge to hash, sorted.
func (d *DAG) Dependents(hash string) []string {
	var out []string
	for h, n := range d.Nodes {
		for _, e := range n.Deps {
			if e.Hash == hash {
				out = append(out, h)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Satisfies reports whether the node at hash satisfies p, with each ^dep
// clause of p met by some node of the same name in its closure.
func (d *DAG) Satisfies(hash string, p *Spec) bool {
	n, ok := d.Nodes[hash]
	if !ok || !n.Satisfies(p) {
		return false
	}
	if len(p.Deps) == 0 {
		return true
	}
	closure := d.Closure(hash, 0)
	for _, dep := range p.Deps {
		found := false
		for _, h := range closure {
			if h == hash {
				continue
			}
			if cand := d.Nodes[h]; cand.Name == dep.Name && cand.Satisfies(dep) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Sub returns a new DAG holding hash and its closure, rooted at hash.
func (d *DAG) Sub(hash string) *DAG {
	out := NewDAG()
	out.Root = hash
	for _, h := range d.Closure(hash, 0) {
		out.Nodes[h] = d.Nodes[h].clone()
	}
	return out
}

// Merge copies every node of o into d. Roots are left unchanged.
func (d *DAG) Merge(o *DAG) {
	if d.Nodes == nil {
		d.Nodes = make(map[string]*Node, len(o.Nodes))
	}
	for h, n := range o.Nodes {
		if _, ok := d.Nodes[h]; !ok {
			d.Nodes[h] = n.clone()
		}
	}
}

// Verify checks that every node hashes to its key, every edge resolves,
// and the root exists.
func (d *DAG) Verify() error {
	if d.Root != "" {
		if _, ok := d.Nodes[d.Root]; !ok {
			return fmt.Errorf("%w: root %s", ErrUnknownNode, d.Root)
		}
	}
	keys := make([]string, 0, len(d.Nodes))
	for h := range d.Nodes {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	for _, h := range keys {
		n := d.Nodes[h]
		if got := ComputeHash(n); got != h || n.Hash != h {
			return fmt.Errorf("%w: %s stored as %s hashes to %s", ErrHashMismatch, n.Name, h, got)
		}
		for _, e := range n.Deps {
			if _, ok := d.Nodes[e.Hash]; !ok {
				return fmt.Errorf("%w: %s depends on %s/%s", ErrUnknownNode, n.Name, e.Name, e.Hash)
			}
		}
	}
	return nil
}

// Tree renders the root's dependency tree, one node per line.
func (d *DAG) Tree() string {
	var b strings.Builder
	var walk func(h string, depth int, seen map[string]bool)
	walk = func(h string, depth int, seen map[string]bool) {
		n, ok := d.Nodes[h]
		if !ok {
			return
		}
		prefix := strings.Repeat("    ", depth)
		if depth > 0 {
			prefix += "^"
		}
		fmt.Fprintf(&b, "%s  %s%s\n", n.ShortHash(), prefix, n.String())
		if seen[h] {
			return
		}
		seen[h] = true
		for _, e := range n.Deps {
			walk(e.Hash, depth+1, seen)
		}
	}
	walk(d.Root, 0, make(map[string]bool))
	return b.String()
}
