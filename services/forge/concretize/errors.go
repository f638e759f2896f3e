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
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsatisfiable indicates no concrete DAG meets the request.
	ErrUnsatisfiable = errors.New("unsatisfiable request")

	// ErrBudgetExhausted indicates the search stopped at MaxSteps.
	ErrBudgetExhausted = errors.New("concretization budget exhausted")

	// errBacktrack marks a failed branch; it never escapes the solver.
	errBacktrack = errors.New("backtrack")
)

// Conflict is one pair of constraints that cannot both hold.
type Conflict struct {
	// Package is where the conflict arises.
	Package string

	// First and Second describe the two sides, e.g. "b@1.0 requires zlib+shared".
	// Second is empty for a rule violated on its own.
	First  string
	Second string

	// Reason explains the violation.
	Reason string
}

func (c Conflict) String() string {
	var b strings.Builder
	b.WriteString(c.Package + ": ")
	b.WriteString(c.First)
	if c.Second != "" {
		b.WriteString(" vs " + c.Second)
	}
	if c.Reason != "" {
		b.WriteString(" (" + c.Reason + ")")
	}
	return b.String()
}

// normalized orders the pair so equivalent conflicts compare equal.
func (c Conflict) normalized() Conflict {
	if c.Second != "" && c.Second < c.First {
		c.First, c.Second = c.Second, c.First
	}
	return c
}

// ConcretizationError lists every conflict found while searching.
type ConcretizationError struct {
	Spec      string
	Conflicts []Conflict
	Exhausted bool
}

func (e *ConcretizationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot concretize %s", e.Spec)
	if e.Exhausted {
		b.WriteString(": search budget exhausted")
	}
	if len(e.Conflicts) > 0 {
		fmt.Fprintf(&b, ": %d conflict(s)", len(e.Conflicts))
		for _, c := range e.Conflicts {
			b.WriteString("\n  " + c.String())
		}
	}
	return b.String()
}

// Is matches ErrUnsatisfiable, and ErrBudgetExhausted when the budget ran out.
func (e *ConcretizationError) Is(target error) bool {
	return target == ErrUnsatisfiable || (e.Exhausted && target == ErrBudgetExhausted)
}

// conflictSet de-duplicates conflicts.
type conflictSet map[Conflict]struct{}

func (s conflictSet) add(cs ...Conflict) {
	for _, c := range cs {
		s[c.normalized()] = struct{}{}
	}
}

func (s conflictSet) sorted() []Conflict {
	out := make([]Conflict, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
