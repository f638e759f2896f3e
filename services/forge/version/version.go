// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version implements package versions and version constraints.
//
// Versions are sequences of components separated by '.', '-' or '_', with an
// implicit split between runs of digits and letters ("1.2rc1" is 1, 2, rc, 1).
//
// # Ordering
//
//   - Numeric components compare numerically.
//   - Alphabetic components compare lexically and order below numbers.
//   - The names develop, main, master, head, trunk and stable order above
//     every numeric component, in that order (develop highest).
//   - When one version is a prefix of another, the shorter one is lower:
//     1.2 < 1.2.1.
//
// # Constraints
//
// A Constraint is a union of ranges:
//
//	1.2        1.2 or any 1.2.x
//	=1.2       exactly 1.2
//	1.2:1.4    1.2 up to 1.4.x, inclusive
//	1.2:       1.2 and above
//	:1.4       up to 1.4.x
//	1.2,1.6:   union of the above
package version

import (
	"fmt"
	"sort"
	"strings"
)

// infinityNames order above any numeric component, highest first.
var infinityNames = []string{"develop", "main", "master", "head", "trunk", "stable"}

type component struct {
	text    string
	numeric bool
	inf     int // rank in infinityNames counted from the end, 0 if not infinite
}

// Version is a parsed, immutable package version.
//
// The zero value is not a valid version; use Parse or MustParse.
type Version struct {
	raw   string
	parts []component
}

// Parse parses a version string.
//
// Inputs:
//
//	s - Version text such as "1.2.11", "2021.03", "3.0.0-rc1" or "develop".
//
// Outputs:
//
//	Version - The parsed version.
//	error - ErrInvalidVersion wrapped with detail if s is empty or has illegal characters.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty version", ErrInvalidVersion)
	}

	var parts []component
	var cur strings.Builder
	curDigit := false

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		parts = append(parts, newComponent(cur.String(), curDigit))
		cur.Reset()
	}

	for _, r := range s {
		switch {
		case r == '.' || r == '-' || r == '_':
			flush()
		case r >= '0' && r <= '9':
			if cur.Len() > 0 && !curDigit {
				flush()
			}
			curDigit = true
			cur.WriteRune(r)
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			if cur.Len() > 0 && curDigit {
				flush()
			}
			curDigit = false
			cur.WriteRune(r)
		default:
			return Version{}, fmt.Errorf("%w: %q contains %q", ErrInvalidVersion, s, r)
		}
	}
	flush()

	if len(parts) == 0 {
		return Version{}, fmt.Errorf("%w: %q has no components", ErrInvalidVersion, s)
	}
	return Version{raw: s, parts: parts}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and literals.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newComponent(text string, numeric bool) component {
	c := component{text: text, numeric: numeric}
	if numeric {
		c.text = strings.TrimLeft(text, "0")
		if c.text == "" {
			c.text = "0"
		}
		return c
	}
	lower := strings.ToLower(text)
	for i, name := range infinityNames {
		if lower == name {
			c.inf = len(infinityNames) - i
			break
		}
	}
	return c
}

// String returns the version as originally written.
func (v Version) String() string { return v.raw }

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool { return len(v.parts) == 0 }

// Compare returns -1, 0 or +1 depending on whether v sorts before, equal to,
// or after other.
func (v Version) Compare(other Version) int {
	n := len(v.parts)
	if len(other.parts) < n {
		n = len(other.parts)
	}
	for i := 0; i < n; i++ {
		if c := compareComponent(v.parts[i], other.parts[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(v.parts) < len(other.parts):
		return -1
	case len(v.parts) > len(other.parts):
		return 1
	default:
		return 0
	}
}

// Equal reports whether v and other are the same version.
//
// Separators are not significant: "1.2-3" equals "1.2.3".
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// IsPrefixOf reports whether every component of v matches the leading
// components of other. A version is a prefix of itself.
func (v Version) IsPrefixOf(other Version) bool {
	if len(v.parts) > len(other.parts) {
		return false
	}
	for i := range v.parts {
		if compareComponent(v.parts[i], other.parts[i]) != 0 {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.raw), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
// Empty input yields the zero Version.
func (v *Version) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*v = Version{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func compareComponent(a, b component) int {
	switch {
	case a.inf > 0 || b.inf > 0:
		return compareInt(a.inf, b.inf)
	case a.numeric && b.numeric:
		if len(a.text) != len(b.text) {
			return compareInt(len(a.text), len(b.text))
		}
		return strings.Compare(a.text, b.text)
	case a.numeric:
		return 1
	case b.numeric:
		return -1
	default:
		return strings.Compare(a.text, b.text)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Sort sorts versions in ascending order.
func Sort(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
}

// SortDescending sorts versions from highest to lowest.
func SortDescending(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool { return vs[j].Less(vs[i]) })
}
