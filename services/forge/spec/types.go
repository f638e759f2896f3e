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

	"github.com/AleutianAI/stackforge/services/forge/version"
)

// =============================================================================
// Dependency types
// =============================================================================

// DepType is a bit set of dependency kinds.
type DepType uint8

const (
	DepBuild DepType = 1 << iota
	DepLink
	DepRun
	DepTest
)

// DefaultDepTypes applies when a dependency rule names no types.
const DefaultDepTypes = DepBuild | DepLink

// AllDepTypes matches every edge.
const AllDepTypes = DepBuild | DepLink | DepRun | DepTest

var depTypeNames = []struct {
	t    DepType
	name string
}{
	{DepBuild, "build"},
	{DepLink, "link"},
	{DepRun, "run"},
	{DepTest, "test"},
}

// ParseDepTypes parses names such as ["build", "link"]. An empty list
// yields DefaultDepTypes.
func ParseDepTypes(names []string) (DepType, error) {
	if len(names) == 0 {
		return DefaultDepTypes, nil
	}
	var out DepType
	for _, n := range names {
		found := false
		for _, dt := range depTypeNames {
			if strings.EqualFold(strings.TrimSpace(n), dt.name) {
				out |= dt.t
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown dependency type %q", ErrParse, n)
		}
	}
	return out, nil
}

// Has reports whether any bit of t is set in d.
func (d DepType) Has(t DepType) bool { return d&t != 0 }

// Names returns the set members in canonical order.
func (d DepType) Names() []string {
	var out []string
	for _, dt := range depTypeNames {
		if d&dt.t != 0 {
			out = append(out, dt.name)
		}
	}
	return out
}

func (d DepType) String() string { return strings.Join(d.Names(), ",") }

// MarshalText implements encoding.TextMarshaler.
func (d DepType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DepType) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	parsed, err := ParseDepTypes(strings.Split(string(b), ","))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// Variants
// =============================================================================

// VariantValue is the sorted, de-duplicated value set of a variant.
// Boolean variants hold the single value "true" or "false".
type VariantValue []string

// NewVariantValue builds a canonical value set.
func NewVariantValue(values ...string) VariantValue {
	seen := make(map[string]struct{}, len(values))
	out := make(VariantValue, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// BoolValue returns the value set for a boolean variant.
func BoolValue(b bool) VariantValue {
	if b {
		return VariantValue{"true"}
	}
	return VariantValue{"false"}
}

// IsBool reports whether the value is a single boolean.
func (v VariantValue) IsBool() bool {
	return len(v) == 1 && (v[0] == "true" || v[0] == "false")
}

// Equal reports whether both sets hold the same values.
func (v VariantValue) Equal(o VariantValue) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// Contains reports whether every value of o is in v.
func (v VariantValue) Contains(o VariantValue) bool {
	for _, want := range o {
		idx := sort.SearchStrings(v, want)
		if idx >= len(v) || v[idx] != want {
			return false
		}
	}
	return true
}

func (v VariantValue) String() string { return strings.Join(v, ",") }

func sortedVariantNames(m map[string]VariantValue) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func writeVariants(b *strings.Builder, m map[string]VariantValue) {
	for _, name := range sortedVariantNames(m) {
		v := m[name]
		switch {
		case v.IsBool() && v[0] == "true":
			b.WriteString("+" + name)
		case v.IsBool():
			b.WriteString("~" + name)
		default:
			b.WriteString(" " + name + "=" + v.String())
		}
	}
}

// =============================================================================
// Architecture and compiler
// =============================================================================

// Arch is a platform/os/target triple. Empty fields are unconstrained.
type Arch struct {
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
	Target   string `json:"target,omitempty"`
}

// ParseArch parses "platform-os-target". The target may itself contain dashes.
func ParseArch(s string) (Arch, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Arch{}, fmt.Errorf("%w: arch %q is not platform-os-target", ErrParse, s)
	}
	return Arch{Platform: parts[0], OS: parts[1], Target: parts[2]}, nil
}

// IsZero reports whether no field is set.
func (a Arch) IsZero() bool { return a.Platform == "" && a.OS == "" && a.Target == "" }

// IsConcrete reports whether every field is set.
func (a Arch) IsConcrete() bool { return a.Platform != "" && a.OS != "" && a.Target != "" }

// Satisfies reports whether a meets every field set in pattern.
func (a Arch) Satisfies(pattern Arch) bool {
	return (pattern.Platform == "" || pattern.Platform == a.Platform) &&
		(pattern.OS == "" || pattern.OS == a.OS) &&
		(pattern.Target == "" || pattern.Target == a.Target)
}

// Merge fills unset fields of a from o, failing on a disagreement.
func (a Arch) Merge(o Arch) (Arch, error) {
	out := a
	fields := []struct {
		name     string
		dst      *string
		src, cur string
	}{
		{"platform", &out.Platform, o.Platform, a.Platform},
		{"os", &out.OS, o.OS, a.OS},
		{"target", &out.Target, o.Target, a.Target},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if f.cur != "" && f.cur != f.src {
			return Arch{}, fmt.Errorf("%s %q conflicts with %q", f.name, f.cur, f.src)
		}
		*f.dst = f.src
	}
	return out, nil
}

func (a Arch) String() string {
	if a.IsConcrete() {
		return a.Platform + "-" + a.OS + "-" + a.Target
	}
	var parts []string
	if a.Platform != "" {
		parts = append(parts, "platform="+a.Platform)
	}
	if a.OS != "" {
		parts = append(parts, "os="+a.OS)
	}
	if a.Target != "" {
		parts = append(parts, "target="+a.Target)
	}
	return strings.Join(parts, " ")
}

// CompilerSpec is an abstract compiler requirement.
type CompilerSpec struct {
	Name     string
	Versions version.Constraint
}

func (c CompilerSpec) String() string {
	if c.Versions.IsAny() {
		return c.Name
	}
	return c.Name + "@" + c.Versions.String()
}

// Compiler is a concrete compiler assignment.
type Compiler struct {
	Name    string          `json:"name"`
	Version version.Version `json:"version"`
}

func (c Compiler) String() string {
	if c.Version.IsZero() {
		return c.Name
	}
	return c.Name + "@" + c.Version.String()
}
