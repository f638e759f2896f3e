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
	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// Dispatch selects an implementation of one package operation by matching
// a concrete node against predicate specs.
//
// # Description
//
// Rules are evaluated from the most recently registered to the first; the
// first whose predicate the node satisfies wins. When none match, the
// default is returned if one was set. Predicates may carry ^dep clauses,
// which are checked against the node's closure in the DAG.
//
// # Thread Safety
//
// Register and SetDefault must not race with Resolve. Packages build their
// dispatch tables at load time and only read them afterwards.
type Dispatch[T any] struct {
	rules      []dispatchRule[T]
	def        T
	hasDefault bool
}

type dispatchRule[T any] struct {
	when *spec.Spec
	impl T
}

// Register appends a rule. Later rules take precedence over earlier ones.
func (d *Dispatch[T]) Register(when *spec.Spec, impl T) {
	d.rules = append(d.rules, dispatchRule[T]{when: when, impl: impl})
}

// SetDefault sets the implementation used when no rule matches.
func (d *Dispatch[T]) SetDefault(impl T) {
	d.def = impl
	d.hasDefault = true
}

// Len returns the number of registered rules, excluding the default.
func (d *Dispatch[T]) Len() int { return len(d.rules) }

// Resolve returns the implementation for the node at hash in dag.
//
// Outputs:
//
//	T - The selected implementation, or the zero value.
//	bool - False when no rule matched and no default is set.
func (d *Dispatch[T]) Resolve(dag *spec.DAG, hash string) (T, bool) {
	for i := len(d.rules) - 1; i >= 0; i-- {
		r := d.rules[i]
		if r.when == nil || dag.Satisfies(hash, r.when) {
			return r.impl, true
		}
	}
	return d.def, d.hasDefault
}

// ResolveNode is Resolve for a node outside any DAG; ^dep clauses never match.
func (d *Dispatch[T]) ResolveNode(n *spec.Node) (T, bool) {
	for i := len(d.rules) - 1; i >= 0; i-- {
		r := d.rules[i]
		if r.when == nil || (len(r.when.Deps) == 0 && n.Satisfies(r.when)) {
			return r.impl, true
		}
	}
	return d.def, d.hasDefault
}
