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
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

// =============================================================================
// Constants (file size limits)
// =============================================================================

const (
	// MaxPackageFileSize is the maximum allowed package.yaml size (1MB).
	MaxPackageFileSize = 1024 * 1024

	// MaxVersionsPerPackage bounds the versions list of one package.
	MaxVersionsPerPackage = 500
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var (
	packageValidate = validator.New()
	packageNameRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

func init() {
	_ = packageValidate.RegisterValidation("pkgname", func(fl validator.FieldLevel) bool {
		return packageNameRe.MatchString(fl.Field().String())
	})
	_ = packageValidate.RegisterValidation("spec", func(fl validator.FieldLevel) bool {
		_, err := spec.Parse(fl.Field().String())
		return err == nil
	})
	_ = packageValidate.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		_, err := version.Parse(fl.Field().String())
		return err == nil
	})
}

// =============================================================================
// YAML declarations
// =============================================================================

// PackageYAML is the on-disk form of packages/<name>/package.yaml.
type PackageYAML struct {
	Name         string           `yaml:"name" validate:"required,pkgname"`
	Description  string           `yaml:"description,omitempty"`
	Versions     []VersionYAML    `yaml:"versions" validate:"required,min=1,max=500,dive"`
	Variants     []VariantYAML    `yaml:"variants,omitempty" validate:"dive"`
	Dependencies []DependencyYAML `yaml:"dependencies,omitempty" validate:"dive"`
	Conflicts    []ConflictYAML   `yaml:"conflicts,omitempty" validate:"dive"`
	Provides     []ProvideYAML    `yaml:"provides,omitempty" validate:"dive"`
	Build        BuildYAML        `yaml:"build,omitempty"`
}

// VersionYAML declares one available version.
type VersionYAML struct {
	Version    string `yaml:"version" validate:"required,version"`
	Preferred  bool   `yaml:"preferred,omitempty"`
	Deprecated bool   `yaml:"deprecated,omitempty"`
}

// VariantYAML declares a build option. An empty Values list makes it boolean.
type VariantYAML struct {
	Name        string   `yaml:"name" validate:"required,pkgname"`
	Default     string   `yaml:"default"`
	Values      []string `yaml:"values,omitempty"`
	Multi       bool     `yaml:"multi,omitempty"`
	When        string   `yaml:"when,omitempty" validate:"omitempty,spec"`
	Description string   `yaml:"description,omitempty"`
}

// DependencyYAML declares a dependency, optionally conditional on the
// depender's own configuration.
type DependencyYAML struct {
	Spec  string   `yaml:"spec" validate:"required,spec"`
	Types []string `yaml:"types,omitempty" validate:"dive,oneof=build link run test"`
	When  string   `yaml:"when,omitempty" validate:"omitempty,spec"`
}

// ConflictYAML declares a configuration that cannot be built.
type ConflictYAML struct {
	When    string `yaml:"when" validate:"required,spec"`
	Message string `yaml:"message,omitempty"`
}

// ProvideYAML declares that the package implements a virtual.
type ProvideYAML struct {
	Spec string `yaml:"spec" validate:"required,spec"`
	When string `yaml:"when,omitempty" validate:"omitempty,spec"`
}

// BuildYAML holds build commands, with overrides selected by predicate.
type BuildYAML struct {
	Commands  []string            `yaml:"commands,omitempty"`
	Overrides []BuildOverrideYAML `yaml:"overrides,omitempty" validate:"dive"`
}

// BuildOverrideYAML replaces the default commands for matching nodes.
type BuildOverrideYAML struct {
	When     string   `yaml:"when" validate:"required,spec"`
	Commands []string `yaml:"commands" validate:"required,min=1"`
}

// =============================================================================
// Compiled package
// =============================================================================

// VersionInfo is one declared version.
type VersionInfo struct {
	Version    version.Version
	Preferred  bool
	Deprecated bool
}

// Variant is a declared build option.
type Variant struct {
	Name        string
	Default     spec.VariantValue
	Values      []string
	Multi       bool
	When        *spec.Spec
	Description string
}

// IsBool reports whether the variant takes true/false.
func (v Variant) IsBool() bool { return len(v.Values) == 0 }

// Validate checks value against the legal set of the variant.
//
// Outputs:
//
//	error - *spec.ConstraintError when the value is illegal.
func (v Variant) Validate(pkg string, value spec.VariantValue) error {
	field := "variant:" + v.Name
	if len(value) == 0 {
		return &spec.ConstraintError{Spec: pkg, Field: field, Msg: "empty value"}
	}
	if v.IsBool() {
		if !value.IsBool() {
			return &spec.ConstraintError{Spec: pkg, Field: field, Msg: fmt.Sprintf("%q is not a boolean", value.String())}
		}
		return nil
	}
	if !v.Multi && len(value) > 1 {
		return &spec.ConstraintError{Spec: pkg, Field: field, Msg: fmt.Sprintf("single-valued variant given %q", value.String())}
	}
	for _, val := range value {
		legal := false
		for _, allowed := range v.Values {
			if val == allowed {
				legal = true
				break
			}
		}
		if !legal {
			return &spec.ConstraintError{
				Spec:  pkg,
				Field: field,
				Msg:   fmt.Sprintf("%q is not one of [%s]", val, strings.Join(v.Values, ", ")),
			}
		}
	}
	return nil
}

// Dependency is a dependency rule.
type Dependency struct {
	Spec  *spec.Spec
	Types spec.DepType
	When  *spec.Spec
}

// Conflict is a configuration that cannot be built. When may carry ^dep
// clauses over other packages in the DAG.
type Conflict struct {
	When    *spec.Spec
	Message string
}

// SelfOnly reports whether the predicate refers only to the package itself.
func (c Conflict) SelfOnly() bool { return len(c.When.Deps) == 0 }

// Provide declares a virtual implemented by the package.
type Provide struct {
	Virtual *spec.Spec
	When    *spec.Spec
}

// Package is a validated, parsed package definition.
type Package struct {
	Name         string
	Description  string
	Versions     []VersionInfo
	Variants     []Variant
	Dependencies []Dependency
	Conflicts    []Conflict
	Provides     []Provide

	// Build selects shell commands for a concrete node.
	Build Dispatch[[]string]
}

// HasVersion reports whether v is declared.
func (p *Package) HasVersion(v version.Version) bool {
	for _, vi := range p.Versions {
		if vi.Version.Equal(v) {
			return true
		}
	}
	return false
}

// Variant returns the last declared variant named name.
func (p *Package) Variant(name string) (Variant, bool) {
	for i := len(p.Variants) - 1; i >= 0; i-- {
		if p.Variants[i].Name == name {
			return p.Variants[i], true
		}
	}
	return Variant{}, false
}

// BuildCommands resolves the build commands for the node at hash.
func (p *Package) BuildCommands(dag *spec.DAG, hash string) ([]string, error) {
	cmds, ok := p.Build.Resolve(dag, hash)
	if !ok {
		return nil, fmt.Errorf("%w: build commands for %s", ErrNoDispatch, p.Name)
	}
	return cmds, nil
}

// Compile validates a declaration and parses every embedded spec.
//
// # Description
//
// Anonymous predicates (for example "when: +shared") are bound to the
// package's own name.
//
// # Outputs
//
//   - *Package: The compiled package.
//   - error: *PackageError wrapping ErrInvalidPackage on failure.
func Compile(decl PackageYAML) (*Package, error) {
	fail := func(err error) (*Package, error) {
		return nil, &PackageError{Name: decl.Name, Err: fmt.Errorf("%w: %v", ErrInvalidPackage, err)}
	}
	if err := packageValidate.Struct(decl); err != nil {
		return fail(err)
	}

	p := &Package{Name: decl.Name, Description: decl.Description}
	self := func(s string) (*spec.Spec, error) {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		parsed, err := spec.Parse(s)
		if err != nil {
			return nil, err
		}
		if parsed.Name == "" {
			parsed.Name = decl.Name
		}
		if parsed.Name != decl.Name {
			return nil, fmt.Errorf("predicate %q must refer to %s", s, decl.Name)
		}
		return parsed, nil
	}

	seen := make(map[string]bool)
	for _, vy := range decl.Versions {
		v := version.MustParse(vy.Version)
		if seen[v.String()] {
			return fail(fmt.Errorf("duplicate version %s", v))
		}
		seen[v.String()] = true
		p.Versions = append(p.Versions, VersionInfo{Version: v, Preferred: vy.Preferred, Deprecated: vy.Deprecated})
	}

	for _, vy := range decl.Variants {
		when, err := self(vy.When)
		if err != nil {
			return fail(err)
		}
		variant := Variant{Name: vy.Name, Values: vy.Values, Multi: vy.Multi, When: when, Description: vy.Description}
		switch {
		case variant.IsBool():
			def := strings.TrimSpace(strings.ToLower(vy.Default))
			variant.Default = spec.BoolValue(def == "true")
		default:
			variant.Default = spec.NewVariantValue(strings.Split(vy.Default, ",")...)
		}
		if err := variant.Validate(decl.Name, variant.Default); err != nil {
			return fail(fmt.Errorf("default: %w", err))
		}
		p.Variants = append(p.Variants, variant)
	}

	for _, dy := range decl.Dependencies {
		ds, err := spec.Parse(dy.Spec)
		if err != nil {
			return fail(err)
		}
		if ds.Name == "" || ds.Name == decl.Name || len(ds.Deps) > 0 {
			return fail(fmt.Errorf("dependency %q must name one other package", dy.Spec))
		}
		types, err := spec.ParseDepTypes(dy.Types)
		if err != nil {
			return fail(err)
		}
		when, err := self(dy.When)
		if err != nil {
			return fail(err)
		}
		p.Dependencies = append(p.Dependencies, Dependency{Spec: ds, Types: types, When: when})
	}

	for _, cy := range decl.Conflicts {
		when, err := self(cy.When)
		if err != nil {
			return fail(err)
		}
		msg := cy.Message
		if msg == "" {
			msg = fmt.Sprintf("%s conflicts with %s", decl.Name, cy.When)
		}
		p.Conflicts = append(p.Conflicts, Conflict{When: when, Message: msg})
	}

	for _, py := range decl.Provides {
		vs, err := spec.Parse(py.Spec)
		if err != nil {
			return fail(err)
		}
		if vs.Name == "" || vs.Name == decl.Name {
			return fail(fmt.Errorf("provides %q must name a virtual", py.Spec))
		}
		when, err := self(py.When)
		if err != nil {
			return fail(err)
		}
		p.Provides = append(p.Provides, Provide{Virtual: vs, When: when})
	}

	if len(decl.Build.Commands) > 0 {
		p.Build.SetDefault(decl.Build.Commands)
	}
	for _, oy := range decl.Build.Overrides {
		when, err := self(oy.When)
		if err != nil {
			return fail(err)
		}
		p.Build.Register(when, oy.Commands)
	}
	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for tests.
func MustCompile(decl PackageYAML) *Package {
	p, err := Compile(decl)
	if err != nil {
		panic(err)
	}
	return p
}
