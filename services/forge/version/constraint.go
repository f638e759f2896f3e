// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"fmt"
	"strings"
)

// Range is a contiguous set of versions.
//
// A nil bound is open. The upper bound also admits every version it is a
// prefix of, so 1.2:1.4 contains 1.4.7. An exact range contains only Lo.
type Range struct {
	Lo    *Version
	Hi    *Version
	Exact bool
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v Version) bool {
	if r.Exact {
		return r.Lo != nil && r.Lo.Equal(v)
	}
	if r.Lo != nil && v.Less(*r.Lo) {
		return false
	}
	if r.Hi != nil && r.Hi.Less(v) && !r.Hi.IsPrefixOf(v) {
		return false
	}
	return true
}

// intersect returns the overlap of two ranges and whether it is non-empty.
func (r Range) intersect(o Range) (Range, bool) {
	if r.Exact {
		return r, o.Contains(*r.Lo)
	}
	if o.Exact {
		return o, r.Contains(*o.Lo)
	}

	out := Range{Lo: r.Lo, Hi: r.Hi}
	if o.Lo != nil && (out.Lo == nil || out.Lo.Less(*o.Lo)) {
		out.Lo = o.Lo
	}
	if o.Hi != nil {
		switch {
		case out.Hi == nil:
			out.Hi = o.Hi
		case out.Hi.IsPrefixOf(*o.Hi):
			out.Hi = o.Hi
		case o.Hi.IsPrefixOf(*out.Hi):
			// keep the more specific bound already in out
		case o.Hi.Less(*out.Hi):
			out.Hi = o.Hi
		}
	}
	if out.Lo != nil && out.Hi != nil && out.Hi.Less(*out.Lo) && !out.Hi.IsPrefixOf(*out.Lo) {
		return Range{}, false
	}
	return out, true
}

// String renders the range in constraint syntax.
func (r Range) String() string {
	switch {
	case r.Exact:
		return "=" + r.Lo.String()
	case r.Lo != nil && r.Hi != nil && r.Lo.Equal(*r.Hi):
		return r.Lo.String()
	}
	var b strings.Builder
	if r.Lo != nil {
		b.WriteString(r.Lo.String())
	}
	b.WriteByte(':')
	if r.Hi != nil {
		b.WriteString(r.Hi.String())
	}
	return b.String()
}

// Constraint is a union of version ranges.
//
// The zero value matches any version. A constraint produced by an empty
// intersection matches nothing; see IsEmpty.
type Constraint struct {
	ranges []Range
	empty  bool
}

// Any returns the constraint matching every version.
func Any() Constraint { return Constraint{} }

// Exactly returns the constraint matching only v.
func Exactly(v Version) Constraint {
	vv := v
	return Constraint{ranges: []Range{{Lo: &vv, Hi: &vv, Exact: true}}}
}

// ParseConstraint parses constraint syntax. An empty string yields Any.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Any(), nil
	}

	var c Constraint
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return Constraint{}, fmt.Errorf("%w: empty element in %q", ErrInvalidConstraint, s)
		}
		r, err := parseRange(item)
		if err != nil {
			return Constraint{}, fmt.Errorf("%w: %q: %v", ErrInvalidConstraint, s, err)
		}
		if r.Lo == nil && r.Hi == nil && !r.Exact {
			return Any(), nil
		}
		c.ranges = append(c.ranges, r)
	}
	return c, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func parseRange(s string) (Range, error) {
	if strings.HasPrefix(s, "=") {
		v, err := Parse(s[1:])
		if err != nil {
			return Range{}, err
		}
		return Range{Lo: &v, Hi: &v, Exact: true}, nil
	}

	idx := strings.Index(s, ":")
	if idx < 0 {
		v, err := Parse(s)
		if err != nil {
			return Range{}, err
		}
		return Range{Lo: &v, Hi: &v}, nil
	}
	if strings.Count(s, ":") > 1 {
		return Range{}, fmt.Errorf("more than one ':' in %q", s)
	}

	var r Range
	if lo := strings.TrimSpace(s[:idx]); lo != "" {
		v, err := Parse(lo)
		if err != nil {
			return Range{}, err
		}
		r.Lo = &v
	}
	if hi := strings.TrimSpace(s[idx+1:]); hi != "" {
		v, err := Parse(hi)
		if err != nil {
			return Range{}, err
		}
		r.Hi = &v
	}
	if r.Lo != nil && r.Hi != nil && r.Hi.Less(*r.Lo) && !r.Hi.IsPrefixOf(*r.Lo) {
		return Range{}, fmt.Errorf("lower bound %s above upper bound %s", r.Lo, r.Hi)
	}
	return r, nil
}

// IsAny reports whether the constraint matches every version.
func (c Constraint) IsAny() bool { return !c.empty && len(c.ranges) == 0 }

// IsEmpty reports whether the constraint matches nothing.
func (c Constraint) IsEmpty() bool { return c.empty }

// Concrete returns the single version an exact constraint pins, if any.
func (c Constraint) Concrete() (Version, bool) {
	if len(c.ranges) == 1 && c.ranges[0].Exact {
		return *c.ranges[0].Lo, true
	}
	return Version{}, false
}

// Pinned returns the version named by "=1.2" or a bare "1.2".
func (c Constraint) Pinned() (Version, bool) {
	if len(c.ranges) != 1 {
		return Version{}, false
	}
	r := c.ranges[0]
	if r.Lo == nil || r.Hi == nil || !r.Lo.Equal(*r.Hi) {
		return Version{}, false
	}
	return *r.Lo, true
}

// Contains reports whether v satisfies the constraint.
func (c Constraint) Contains(v Version) bool {
	if c.empty {
		return false
	}
	if len(c.ranges) == 0 {
		return true
	}
	for _, r := range c.ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Intersect returns the versions in both c and o.
func (c Constraint) Intersect(o Constraint) Constraint {
	switch {
	case c.empty || o.empty:
		return Constraint{empty: true}
	case c.IsAny():
		return o
	case o.IsAny():
		return c
	}

	var out Constraint
	for _, a := range c.ranges {
		for _, b := range o.ranges {
			if r, ok := a.intersect(b); ok {
				out.ranges = append(out.ranges, r)
			}
		}
	}
	if len(out.ranges) == 0 {
		out.empty = true
	}
	return out
}

// Intersects reports whether some version could satisfy both constraints.
func (c Constraint) Intersects(o Constraint) bool { return !c.Intersect(o).IsEmpty() }

// Filter returns the subset of vs that satisfy c, preserving order.
func (c Constraint) Filter(vs []Version) []Version {
	var out []Version
	for _, v := range vs {
		if c.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// String renders the constraint in canonical syntax. Any renders as "".
func (c Constraint) String() string {
	if c.empty {
		return "<none>"
	}
	parts := make([]string, 0, len(c.ranges))
	for _, r := range c.ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
