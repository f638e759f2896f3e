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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

const zlibYAML = `
name: zlib
description: compression library
versions:
  - version: "1.3"
  - version: "1.2.13"
    preferred: true
  - version: "1.2.8"
    deprecated: true
variants:
  - name: shared
    default: true
  - name: opt
    values: [o1, o2, o3]
    default: o2
dependencies:
  - spec: "cmake@3.20:"
    types: [build]
  - spec: pkgconf
    when: "+shared"
conflicts:
  - when: "%clang@:10"
    message: old clang miscompiles zlib
build:
  commands: ["make install"]
  overrides:
    - when: "@1.3:"
      commands: ["cmake --install ."]
`

const mpichYAML = `
name: mpich
versions:
  - version: "4.1"
  - version: "3.4"
provides:
  - spec: mpi@:3
    when: "@3"
  - spec: mpi@:4
    when: "@4:"
`

const openmpiYAML = `
name: openmpi
versions:
  - version: "5.0"
provides:
  - spec: mpi
`

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		dir := filepath.Join(root, "packages", name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, PackageFile), []byte(content), 0o644))
	}
	return root
}

func node(name, ver string, variants map[string]spec.VariantValue) *spec.Node {
	return &spec.Node{
		Name:     name,
		Version:  version.MustParse(ver),
		Variants: variants,
		Compiler: spec.Compiler{Name: "gcc", Version: version.MustParse("12")},
	}
}

func TestRegistry_Load(t *testing.T) {
	root := writeRepo(t, map[string]string{"zlib": zlibYAML, "mpich": mpichYAML})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages", "not-a-package"), 0o755))

	reg, err := NewRegistry(RegistryConfig{Root: root})
	require.NoError(t, err)
	assert.Equal(t, []string{"mpich", "zlib"}, reg.Names())

	t.Run("parses and compiles", func(t *testing.T) {
		p, err := reg.Load("zlib")
		require.NoError(t, err)
		assert.Equal(t, "zlib", p.Name)
		require.Len(t, p.Versions, 3)
		assert.Equal(t, "1.2.13", p.Versions[1].Version.String())
		assert.True(t, p.Versions[1].Preferred)
		assert.True(t, p.Versions[2].Deprecated)

		shared, ok := p.Variant("shared")
		require.True(t, ok)
		assert.True(t, shared.IsBool())
		assert.Equal(t, spec.BoolValue(true), shared.Default)

		require.Len(t, p.Dependencies, 2)
		assert.Equal(t, spec.DepBuild, p.Dependencies[0].Types)
		assert.Equal(t, spec.DefaultDepTypes, p.Dependencies[1].Types)
		assert.Equal(t, "zlib", p.Conflicts[0].When.Name)
		assert.True(t, p.Conflicts[0].SelfOnly())
	})

	t.Run("memoizes loads", func(t *testing.T) {
		a, err := reg.Load("zlib")
		require.NoError(t, err)
		b, err := reg.Load("zlib")
		require.NoError(t, err)
		assert.Same(t, a, b)
	})

	t.Run("concurrent first loads share one result", func(t *testing.T) {
		reg.Invalidate("mpich")
		var wg sync.WaitGroup
		results := make([]*Package, 16)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := reg.Load("mpich")
				assert.NoError(t, err)
				results[i] = p
			}()
		}
		wg.Wait()
		cached, err := reg.Load("mpich")
		require.NoError(t, err)
		for _, p := range results {
			require.NotNil(t, p)
			assert.Equal(t, "mpich", p.Name)
		}
		assert.Equal(t, "mpich", cached.Name)
	})

	t.Run("invalidate rereads from disk", func(t *testing.T) {
		before, err := reg.Load("zlib")
		require.NoError(t, err)

		updated := zlibYAML + "\n" // content unchanged, identity must change
		require.NoError(t, os.WriteFile(filepath.Join(root, "packages", "zlib", PackageFile), []byte(updated), 0o644))

		same, err := reg.Load("zlib")
		require.NoError(t, err)
		assert.Same(t, before, same)

		reg.Invalidate("zlib")
		after, err := reg.Load("zlib")
		require.NoError(t, err)
		assert.NotSame(t, before, after)
	})

	t.Run("invalidate all rescans names", func(t *testing.T) {
		dir := filepath.Join(root, "packages", "openmpi")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, PackageFile), []byte(openmpiYAML), 0o644))

		assert.NotContains(t, reg.Names(), "openmpi")
		reg.InvalidateAll()
		assert.Contains(t, reg.Names(), "openmpi")
	})

	t.Run("unknown package", func(t *testing.T) {
		_, err := reg.Load("nope")
		assert.True(t, errors.Is(err, ErrUnknownPackage))
	})

	t.Run("load all in name order", func(t *testing.T) {
		all, err := reg.LoadAll(context.Background())
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "mpich", all[0].Name)
		assert.Equal(t, "zlib", all[2].Name)
	})
}

func TestRegistry_InvalidDefinitions(t *testing.T) {
	tests := map[string]string{
		"wrongname":  "name: other\nversions: [{version: '1'}]\n",
		"noversions": "name: noversions\nversions: []\n",
		"badspec":    "name: badspec\nversions: [{version: '1'}]\ndependencies: [{spec: 'zlib@2:1'}]\n",
		"badtype":    "name: badtype\nversions: [{version: '1'}]\ndependencies: [{spec: zlib, types: [compile]}]\n",
		"baddefault": "name: baddefault\nversions: [{version: '1'}]\nvariants: [{name: opt, values: [a, b], default: c}]\n",
		"unknownkey": "name: unknownkey\nversions: [{version: '1'}]\nhomepage: x\n",
		"selfdep":    "name: selfdep\nversions: [{version: '1'}]\ndependencies: [{spec: selfdep}]\n",
		"dupversion": "name: dupversion\nversions: [{version: '1.0'}, {version: '1.0'}]\n",
	}
	root := writeRepo(t, tests)
	reg, err := NewRegistry(RegistryConfig{Root: root})
	require.NoError(t, err)

	for name := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Load(name)
			require.Error(t, err)
			var perr *PackageError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, name, perr.Name)
			assert.True(t, errors.Is(err, ErrInvalidPackage))
		})
	}

	_, err = reg.LoadAll(context.Background())
	assert.Error(t, err)
}

func TestIndex_BrokenDefinitionSurfaces(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"zlib":   zlibYAML,
		"broken": "name: broken\nversions: []\n",
	})
	reg, err := NewRegistry(RegistryConfig{Root: root})
	require.NoError(t, err)
	idx := NewIndex(reg)

	virtual, err := idx.IsVirtual("mpi")
	require.Error(t, err)
	assert.False(t, virtual)
	assert.True(t, errors.Is(err, ErrInvalidPackage))
	assert.False(t, errors.Is(err, ErrUnknownPackage))

	_, err = idx.Providers("mpi")
	assert.True(t, errors.Is(err, ErrInvalidPackage))

	virtual, err = idx.IsVirtual("zlib")
	require.NoError(t, err, "real packages need no provider index")
	assert.False(t, virtual)
}

func TestNewRegistry_MissingRoot(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestIndex(t *testing.T) {
	root := writeRepo(t, map[string]string{"zlib": zlibYAML, "mpich": mpichYAML, "openmpi": openmpiYAML})
	reg, err := NewRegistry(RegistryConfig{Root: root})
	require.NoError(t, err)
	idx := NewIndex(reg)

	assert.True(t, idx.Exists("zlib"))
	assert.False(t, idx.Exists("mpi"))
	for name, want := range map[string]bool{"mpi": true, "zlib": false, "blas": false} {
		virtual, err := idx.IsVirtual(name)
		require.NoError(t, err)
		assert.Equal(t, want, virtual, name)
	}

	providers, err := idx.Providers("mpi")
	require.NoError(t, err)
	require.Len(t, providers, 3)
	assert.Equal(t, "mpich", providers[0].Package)
	assert.Equal(t, ":3", providers[0].Virtual.Versions.String())
	assert.Equal(t, "openmpi", providers[2].Package)

	_, err = idx.Providers("blas")
	assert.True(t, errors.Is(err, ErrUnknownPackage))

	t.Run("conditional dependencies follow the depender", func(t *testing.T) {
		shared := node("zlib", "1.3", map[string]spec.VariantValue{"shared": spec.BoolValue(true)})
		static := node("zlib", "1.3", map[string]spec.VariantValue{"shared": spec.BoolValue(false)})

		deps, err := idx.Dependencies("zlib", shared)
		require.NoError(t, err)
		assert.Len(t, deps, 2)

		deps, err = idx.Dependencies("zlib", static)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, "cmake", deps[0].Spec.Name)
	})

	t.Run("unknown package", func(t *testing.T) {
		_, err := idx.Versions("nope")
		assert.True(t, errors.Is(err, ErrUnknownPackage))
	})
}

func TestVariant_Validate(t *testing.T) {
	boolVar := Variant{Name: "shared"}
	enumVar := Variant{Name: "opt", Values: []string{"o1", "o2"}}
	multiVar := Variant{Name: "netmod", Values: []string{"ofi", "ucx", "tcp"}, Multi: true}

	assert.NoError(t, boolVar.Validate("zlib", spec.BoolValue(false)))
	assert.Error(t, boolVar.Validate("zlib", spec.NewVariantValue("yes")))
	assert.NoError(t, enumVar.Validate("zlib", spec.NewVariantValue("o1")))
	assert.Error(t, enumVar.Validate("zlib", spec.NewVariantValue("o1", "o2")))
	assert.Error(t, enumVar.Validate("zlib", spec.NewVariantValue("o9")))
	assert.NoError(t, multiVar.Validate("mpich", spec.NewVariantValue("ofi", "ucx")))

	err := multiVar.Validate("mpich", spec.NewVariantValue("sock"))
	var cerr *spec.ConstraintError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "variant:netmod", cerr.Field)
}

func TestDispatch(t *testing.T) {
	dag := spec.NewDAG()
	zh, err := dag.Add(node("zlib", "1.2.13", nil))
	require.NoError(t, err)
	app := node("app", "2.0", map[string]spec.VariantValue{"gui": spec.BoolValue(true)})
	app.Deps = []spec.Edge{{Name: "zlib", Hash: zh, Types: spec.DepLink}}
	ah, err := dag.Add(app)
	require.NoError(t, err)
	dag.Root = ah

	var d Dispatch[string]
	_, ok := d.Resolve(dag, ah)
	assert.False(t, ok, "no rules and no default")

	d.SetDefault("default")
	d.Register(spec.MustParse("app@1"), "v1")
	d.Register(spec.MustParse("app@2:"), "v2")
	d.Register(spec.MustParse("app+gui"), "gui")

	got, ok := d.Resolve(dag, ah)
	require.True(t, ok)
	assert.Equal(t, "gui", got, "most recently declared match wins")

	d.Register(spec.MustParse("app ^zlib@1.2"), "old-zlib")
	got, _ = d.Resolve(dag, ah)
	assert.Equal(t, "old-zlib", got)

	got, _ = d.ResolveNode(dag.Nodes[ah])
	assert.Equal(t, "gui", got, "dependency predicates never match a bare node")

	got, _ = d.Resolve(dag, zh)
	assert.Equal(t, "default", got)
	assert.Equal(t, 4, d.Len())
}

func TestPackage_BuildCommands(t *testing.T) {
	p := MustCompile(PackageYAML{
		Name:     "zlib",
		Versions: []VersionYAML{{Version: "1.3"}, {Version: "1.2"}},
		Build: BuildYAML{
			Commands:  []string{"make install"},
			Overrides: []BuildOverrideYAML{{When: "@1.3:", Commands: []string{"cmake --install ."}}},
		},
	})

	dag := spec.NewDAG()
	h13, _ := dag.Add(node("zlib", "1.3", nil))
	h12, _ := dag.Add(node("zlib", "1.2", nil))

	cmds, err := p.BuildCommands(dag, h13)
	require.NoError(t, err)
	assert.Equal(t, []string{"cmake --install ."}, cmds)

	cmds, err = p.BuildCommands(dag, h12)
	require.NoError(t, err)
	assert.Equal(t, []string{"make install"}, cmds)

	bare := MustCompile(PackageYAML{Name: "meta", Versions: []VersionYAML{{Version: "1"}}})
	hm, _ := dag.Add(node("meta", "1", nil))
	_, err = bare.BuildCommands(dag, hm)
	assert.True(t, errors.Is(err, ErrNoDispatch))

	assert.True(t, p.HasVersion(version.MustParse("1.2")))
	assert.False(t, p.HasVersion(version.MustParse("1.4")))
}
