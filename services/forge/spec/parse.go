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
	"strings"

	"github.com/AleutianAI/stackforge/services/forge/version"
)

// maxSpecLength bounds parser input.
const maxSpecLength = 4096

// Parse parses abstract spec syntax.
//
// Grammar (whitespace separates tokens; sigils may also be attached):
//
//	spec   := [name] clause* ("^" name clause*)*
//	clause := "@" constraint | "+" variant | "~" variant
//	        | "%" compiler ["@" constraint] | key "=" value
//
// The keys arch, platform, os, target and external are reserved; any other
// key names a variant, whose comma-separated value is a multi-value set.
func Parse(s string) (*Spec, error) {
	if len(s) > maxSpecLength {
		return nil, &ParseError{Input: s[:32] + "...", Pos: maxSpecLength, Msg: "spec too long"}
	}
	p := &parser{in: s}
	return p.parse()
}

// MustParse is like Parse but panics on error. Intended for tests.
func MustParse(s string) *Spec {
	out, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return out
}

type parser struct {
	in  string
	pos int
}

func (p *parser) fail(format string, args ...any) error {
	return &ParseError{Input: p.in, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.in) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.in[p.pos]
}

func (p *parser) read(accept func(byte) bool) string {
	start := p.pos
	for !p.eof() && accept(p.in[p.pos]) {
		p.pos++
	}
	return p.in[start:p.pos]
}

func (p *parser) parse() (*Spec, error) {
	root := &Spec{}
	cur := root

	for {
		p.read(isSpace)
		if p.eof() {
			break
		}

		c := p.peek()
		switch {
		case c == '^':
			if cur != root && cur.Name == "" {
				return nil, p.fail("dependency without a name")
			}
			p.pos++
			cur = &Spec{}
			root.Deps = append(root.Deps, cur)

		case c == '@':
			p.pos++
			con, err := p.constraint()
			if err != nil {
				return nil, err
			}
			merged := cur.Versions.Intersect(con)
			if merged.IsEmpty() {
				return nil, p.fail("version @%s does not intersect @%s", cur.Versions, con)
			}
			cur.Versions = merged

		case c == '%':
			p.pos++
			name := p.read(isNameChar)
			if name == "" {
				return nil, p.fail("expected compiler name after %%")
			}
			if cur.Compiler != nil {
				return nil, p.fail("compiler specified twice")
			}
			cur.Compiler = &CompilerSpec{Name: name}
			if p.peek() == '@' {
				p.pos++
				con, err := p.constraint()
				if err != nil {
					return nil, err
				}
				cur.Compiler.Versions = con
			}

		case c == '+' || c == '~':
			p.pos++
			name := p.read(isNameChar)
			if name == "" {
				return nil, p.fail("expected variant name after %q", c)
			}
			if err := cur.SetVariant(name, BoolValue(c == '+')); err != nil {
				return nil, p.fail("%v", err)
			}

		case isNameChar(c):
			word := p.read(isNameChar)
			if p.peek() == '=' {
				p.pos++
				value := p.read(isValueChar)
				if value == "" {
					return nil, p.fail("expected value after %s=", word)
				}
				if err := p.assign(cur, word, value); err != nil {
					return nil, err
				}
				continue
			}
			if cur.Name != "" {
				return nil, p.fail("unexpected name %q, spec already names %q", word, cur.Name)
			}
			cur.Name = word

		default:
			return nil, p.fail("unexpected character %q", c)
		}
	}

	if cur != root && cur.Name == "" {
		return nil, p.fail("dependency without a name")
	}
	return dedupeDeps(root, p)
}

func (p *parser) constraint() (version.Constraint, error) {
	text := p.read(isVersionChar)
	if text == "" {
		return version.Constraint{}, p.fail("expected version after @")
	}
	con, err := version.ParseConstraint(text)
	if err != nil {
		return version.Constraint{}, p.fail("%v", err)
	}
	return con, nil
}

func (p *parser) assign(s *Spec, key, value string) error {
	var err error
	switch key {
	case "arch":
		var a Arch
		if a, err = ParseArch(value); err != nil {
			return p.fail("%v", err)
		}
		s.Arch, err = s.Arch.Merge(a)
	case "platform":
		s.Arch, err = s.Arch.Merge(Arch{Platform: value})
	case "os":
		s.Arch, err = s.Arch.Merge(Arch{OS: value})
	case "target":
		s.Arch, err = s.Arch.Merge(Arch{Target: value})
	case "external":
		s.External = value
	default:
		err = s.SetVariant(key, NewVariantValue(strings.Split(value, ",")...))
	}
	if err != nil {
		return p.fail("%v", err)
	}
	return nil
}

// dedupeDeps merges repeated ^name clauses.
func dedupeDeps(root *Spec, p *parser) (*Spec, error) {
	var deps []*Spec
	for _, d := range root.Deps {
		if d.Name == root.Name && root.Name != "" {
			return nil, p.fail("%s cannot depend on itself", d.Name)
		}
		merged := false
		for _, existing := range deps {
			if existing.Name == d.Name {
				if err := existing.Constrain(d); err != nil {
					return nil, p.fail("%v", err)
				}
				merged = true
				break
			}
		}
		if !merged {
			deps = append(deps, d)
		}
	}
	root.Deps = deps
	return root, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isNameChar(c byte) bool { return isAlnum(c) || c == '-' || c == '_' }

func isVersionChar(c byte) bool {
	return isAlnum(c) || c == '.' || c == '-' || c == '_' || c == ':' || c == ',' || c == '='
}

func isValueChar(c byte) bool {
	return isAlnum(c) || c == '.' || c == '-' || c == '_' || c == ',' || c == ':' || c == '/'
}
