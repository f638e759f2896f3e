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
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackforge/services/forge/version"
)

var testArch = Arch{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64"}

func leaf(name, ver string) *Node {
	return &Node{
		Name:     name,
		Version:  version.MustParse(ver),
		Compiler: Compiler{Name: "gcc", Version: version.MustParse("12.2")},
		Arch:     testArch,
	}
}

// diamond builds A -> {B, C} -> D and returns the DAG.
func diamond(t *testing.T) *DAG {
	t.Helper()
	d := NewDAG()

	hD, err := d.Add(leaf("d", "2"))
	require.NoError(t, err)

	b := leaf("b", "1.0")
	b.Deps = []Edge{{Name: "d", Hash: hD, Types: DefaultDepTypes}}
	hB, err := d.Add(b)
	require.NoError(t, err)

	c := leaf("c", "1.0")
	c.Deps = []Edge{{Name: "d", Hash: hD, Types: DefaultDepTypes}}
	hC, err := d.Add(c)
	require.NoError(t, err)

	a := leaf("a", "1.0")
	a.Deps = []Edge{{Name: "c", Hash: hC, Types: DepBuild}, {Name: "b", Hash: hB, Types: DepBuild}}
	hA, err := d.Add(a)
	require.NoError(t, err)

	d.Root = hA
	return d
}

func TestComputeHash(t *testing.T) {
	t.Run("stable across repeated computation", func(t *testing.T) {
		n := leaf("zlib", "1.3")
		n.Variants = map[string]VariantValue{"shared": BoolValue(true), "opt": NewVariantValue("b", "a")}
		first := ComputeHash(n)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, ComputeHash(n))
		}
		assert.Len(t, first, HashLength)
		assert.Regexp(t, regexp.MustCompile(`^[a-z2-7]{32}$`), first)
	})

	t.Run("independent of edge and map order", func(t *testing.T) {
		x := leaf("app", "1")
		x.Deps = []Edge{{Name: "b", Hash: "h2", Types: DepLink}, {Name: "a", Hash: "h1", Types: DepBuild}}
		y := leaf("app", "1")
		y.Deps = []Edge{{Name: "a", Hash: "h1", Types: DepBuild}, {Name: "b", Hash: "h2", Types: DepLink}}
		assert.Equal(t, ComputeHash(x), ComputeHash(y))
	})

	t.Run("independent of multi-value order", func(t *testing.T) {
		x := leaf("hdf5", "1.14")
		x.Variants = map[string]VariantValue{"api": {"v18", "v110"}}
		y := leaf("hdf5", "1.14")
		y.Variants = map[string]VariantValue{"api": {"v110", "v18"}}
		assert.Equal(t, ComputeHash(x), ComputeHash(y))
		assert.Equal(t, VariantValue{"v18", "v110"}, x.Variants["api"], "input is not mutated")
	})

	t.Run("every field contributes", func(t *testing.T) {
		base := leaf("zlib", "1.3")
		h := ComputeHash(base)

		mutations := map[string]func(n *Node){
			"name":     func(n *Node) { n.Name = "zstd" },
			"version":  func(n *Node) { n.Version = version.MustParse("1.3.1") },
			"variant":  func(n *Node) { n.Variants = map[string]VariantValue{"pic": BoolValue(true)} },
			"compiler": func(n *Node) { n.Compiler.Version = version.MustParse("13") },
			"arch":     func(n *Node) { n.Arch.Target = "zen2" },
			"external": func(n *Node) { n.External = "/usr" },
			"dep type": func(n *Node) { n.Deps = []Edge{{Name: "x", Hash: "h", Types: DepRun}} },
		}
		for name, mutate := range mutations {
			n := base.clone()
			mutate(n)
			assert.NotEqual(t, h, ComputeHash(n), name)
		}
	})

	t.Run("length prefixing prevents field run-on", func(t *testing.T) {
		x := leaf("ab", "1")
		x.Variants = map[string]VariantValue{"c": {"d"}}
		y := leaf("ab", "1")
		y.Variants = map[string]VariantValue{"cd": {""}}
		assert.NotEqual(t, ComputeHash(x), ComputeHash(y))
	})
}

func TestDAG_Diamond(t *testing.T) {
	d := diamond(t)

	assert.Equal(t, 4, d.Len(), "D reachable through B and C is stored once")
	root := d.RootNode()
	require.NotNil(t, root)
	assert.Equal(t, "a", root.Name)

	names := func(hashes []string) []string {
		out := make([]string, len(hashes))
		for i, h := range hashes {
			out[i] = d.Nodes[h].Name
		}
		return out
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, names(d.TopoOrder()))

	dNode := d.Find("d")
	require.NotNil(t, dNode)
	assert.ElementsMatch(t, []string{"b", "c"}, names(d.Dependents(dNode.Hash)))
	assert.Equal(t, []string{"d", "b"}, names(d.Closure(d.Find("b").Hash, 0)))
	assert.Equal(t, []string{"a"}, names(d.Closure(d.Root, DepRun)))

	require.NoError(t, d.Verify())
	assert.Contains(t, d.Tree(), "^d@2")
}

func TestDAG_Add(t *testing.T) {
	t.Run("identical nodes share a hash", func(t *testing.T) {
		d := NewDAG()
		h1, err := d.Add(leaf("zlib", "1.3"))
		require.NoError(t, err)
		h2, err := d.Add(leaf("zlib", "1.3"))
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
		assert.Equal(t, 1, d.Len())
	})

	t.Run("rejects dangling edges", func(t *testing.T) {
		d := NewDAG()
		n := leaf("app", "1")
		n.Deps = []Edge{{Name: "zlib", Hash: "missing", Types: DepLink}}
		_, err := d.Add(n)
		assert.True(t, errors.Is(err, ErrUnknownNode))
	})

	t.Run("rejects empty dependency types", func(t *testing.T) {
		d := NewDAG()
		hz, err := d.Add(leaf("zlib", "1.3"))
		require.NoError(t, err)
		n := leaf("app", "1")
		n.Deps = []Edge{{Name: "zlib", Hash: hz}}
		_, err = d.Add(n)
		assert.True(t, errors.Is(err, ErrConstraint))
	})

	t.Run("dependency hash changes dependent hash", func(t *testing.T) {
		d := NewDAG()
		h13, _ := d.Add(leaf("zlib", "1.3"))
		h12, _ := d.Add(leaf("zlib", "1.2"))

		a := leaf("app", "1")
		a.Deps = []Edge{{Name: "zlib", Hash: h13, Types: DepLink}}
		b := leaf("app", "1")
		b.Deps = []Edge{{Name: "zlib", Hash: h12, Types: DepLink}}

		ha, err := d.Add(a)
		require.NoError(t, err)
		hb, err := d.Add(b)
		require.NoError(t, err)
		assert.NotEqual(t, ha, hb)
	})
}

func TestDAG_Satisfies(t *testing.T) {
	d := diamond(t)

	assert.True(t, d.Satisfies(d.Root, MustParse("a ^d@2")))
	assert.True(t, d.Satisfies(d.Root, MustParse("a ^b ^c")))
	assert.False(t, d.Satisfies(d.Root, MustParse("a ^d@1")))
	assert.False(t, d.Satisfies(d.Root, MustParse("a ^zlib")))
	assert.False(t, d.Satisfies(d.Find("b").Hash, MustParse("b ^c")))
}

func TestDAG_SubMergeJSON(t *testing.T) {
	d := diamond(t)
	bHash := d.Find("b").Hash

	sub := d.Sub(bHash)
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, bHash, sub.Root)
	require.NoError(t, sub.Verify())

	merged := NewDAG()
	merged.Merge(sub)
	merged.Merge(d)
	assert.Equal(t, 4, merged.Len())

	data, err := json.Marshal(d)
	require.NoError(t, err)
	var back DAG
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Verify())
	assert.Equal(t, d.Root, back.Root)

	back.Nodes[bHash].Version = version.MustParse("9")
	assert.True(t, errors.Is(back.Verify(), ErrHashMismatch))
}
