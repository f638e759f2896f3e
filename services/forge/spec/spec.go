// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package spec models package build descriptions.
//
// # Description
//
// A Spec is an abstract, possibly partial request: a package name plus
// constraints on version, variants, compiler, architecture and, through
// ^dep clauses, on packages elsewhere in the dependency graph. Specs are
// parsed from the usual text form:
//
//	zlib@1.2:1.3+shared~pic %gcc@12 arch=linux-ubuntu22.04-x86_64 ^cmake@3.20:
//
// A Node is one fully concrete package in a DAG. Concrete DAGs are arenas:
// nodes are stored by dag hash and edges reference hashes, so a package
// reached along several paths exists exactly once.
//
// # Thread Safety
//
// Spec values are not safe for concurrent mutation. A DAG is read-only once
// built and may be shared between goroutines.
package spec

import (
	"sort"
	"strings"

	"github.com/AleutianAI/stackforge/services/forge/version"
)

// Spec is an abstract package build description.
type Spec struct {
	// Name is the package name. Empty for anonymous specs used as patterns.
	Name string

	// Versions constrains the version. The zero value means any.
	Versions version.Constraint

	// Variants maps variant names to required values.
	Variants map[string]VariantValue

	// Compiler is nil when unconstrained.
	Compiler *CompilerSpec

	// Arch fields left empty are unconstrained.
	Arch Arch

	// External requires a pre-installed package at this path.
	External string

	// Deps hold constraints on packages elsewhere in the graph, one per name.
	Deps []*Spec
}

// New returns an unconstrained spec for name.
func New(name string) *Spec { return &Spec{Name: name} }

// Clone returns a deep copy.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	out := &Spec{
		Name:     s.Name,
		Versions: s.Versions,
		Arch:     s.Arch,
		External: s.External,
	}
	if len(s.Variants) > 0 {
		out.Variants = make(map[string]VariantValue, len(s.Variants))
		for k, v := range s.Variants {
			out.Variants[k] = append(VariantValue(nil), v...)
		}
	}
	if s.Compiler != nil {
		c := *s.Compiler
		out.Compiler = &c
	}
	for _, d := range s.Deps {
		out.Deps = append(out.Deps, d.Clone())
	}
	return out
}

// IsAnonymous reports whether the spec names no package.
func (s *Spec) IsAnonymous() bool { return s.Name == "" }

// Dep returns the ^dep constraint for name, or nil.
func (s *Spec) Dep(name string) *Spec {
	for _, d := range s.Deps {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// SetVariant sets a variant, failing if it already holds a different value.
func (s *Spec) SetVariant(name string, value VariantValue) error {
	if cur, ok := s.Variants[name]; ok && !cur.Equal(value) {
		return constraintErrorf(s.Name, "variant:"+name, "%s=%s conflicts with %s=%s", name, cur, name, value)
	}
	if s.Variants == nil {
		s.Variants = make(map[string]VariantValue)
	}
	s.Variants[name] = value
	return nil
}

// Constrain narrows s with every constraint in o.
//
// # Description
//
// Versions are intersected, variants and arch fields must agree where both
// are set, compilers must share a name and have intersecting versions, and
// ^dep clauses are merged by name. s is left unchanged on error.
//
// # Outputs
//
//   - error: *ConstraintError naming the first field that cannot be merged.
func (s *Spec) Constrain(o *Spec) error {
	if o == nil {
		return nil
	}
	merged := s.Clone()
	if err := merged.constrainInPlace(o); err != nil {
		return err
	}
	*s = *merged
	return nil
}

func (s *Spec) constrainInPlace(o *Spec) error {
	if o.Name != "" {
		if s.Name != "" && s.Name != o.Name {
			return constraintErrorf(s.Name, "name", "cannot constrain %s with %s", s.Name, o.Name)
		}
		s.Name = o.Name
	}

	versions := s.Versions.Intersect(o.Versions)
	if versions.IsEmpty() {
		return constraintErrorf(s.Name, "version", "@%s does not intersect @%s", s.Versions, o.Versions)
	}
	s.Versions = versions

	for _, name := range sortedVariantNames(o.Variants) {
		if err := s.SetVariant(name, o.Variants[name]); err != nil {
			return err
		}
	}

	if o.Compiler != nil {
		if s.Compiler == nil {
			c := *o.Compiler
			s.Compiler = &c
		} else {
			if s.Compiler.Name != o.Compiler.Name {
				return constraintErrorf(s.Name, "compiler", "%%%s conflicts with %%%s", s.Compiler.Name, o.Compiler.Name)
			}
			cv := s.Compiler.Versions.Intersect(o.Compiler.Versions)
			if cv.IsEmpty() {
				return constraintErrorf(s.Name, "compiler", "%%%s does not intersect %%%s", s.Compiler, o.Compiler)
			}
			s.Compiler.Versions = cv
		}
	}

	arch, err := s.Arch.Merge(o.Arch)
	if err != nil {
		return constraintErrorf(s.Name, "arch", "%v", err)
	}
	s.Arch = arch

	if o.External != "" {
		if s.External != "" && s.External != o.External {
			return constraintErrorf(s.Name, "external", "%s conflicts with %s", s.External, o.External)
		}
		s.External = o.External
	}

	for _, od := range o.Deps {
		if sd := s.Dep(od.Name); sd != nil {
			if err := sd.constrainInPlace(od); err != nil {
				return err
			}
			continue
		}
		s.Deps = append(s.Deps, od.Clone())
	}
	return nil
}

// Intersects reports whether some concrete spec could satisfy both s and o.
func (s *Spec) Intersects(o *Spec) bool {
	return s.Clone().Constrain(o) == nil
}

// String renders the spec in canonical form. Parse(s.String()) is
// equivalent to s.
func (s *Spec) String() string {
	var b strings.Builder
	s.write(&b)
	deps := append([]*Spec(nil), s.Deps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	for _, d := range deps {
		b.WriteString(" ^")
		d.write(&b)
	}
	return strings.TrimSpace(b.String())
}

func (s *Spec) write(b *strings.Builder) {
	b.WriteString(s.Name)
	if !s.Versions.IsAny() {
		b.WriteString("@" + s.Versions.String())
	}
	writeVariants(b, s.Variants)
	if s.Compiler != nil {
		b.WriteString(" %" + s.Compiler.String())
	}
	switch {
	case s.Arch.IsConcrete():
		b.WriteString(" arch=" + s.Arch.String())
	case !s.Arch.IsZero():
		b.WriteString(" " + s.Arch.String())
	}
	if s.External != "" {
		b.WriteString(" external=" + s.External)
	}
}
