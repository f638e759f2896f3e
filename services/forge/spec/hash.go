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
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"hash"
	"sort"
	"strings"
)

// HashLength is the number of characters in a dag hash.
const HashLength = 32

var hashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ComputeHash returns the dag hash of a concrete node.
//
// Determinism rules:
//   - Variants are sorted by name, and multi-values within each variant.
//   - Dependencies are sorted by (name, hash) and contribute their own
//     hashes, so the result covers the whole sub-DAG.
//   - All fields are length-prefixed to avoid ambiguity.
//
// The node's own Hash field is ignored.
func ComputeHash(n *Node) string {
	h := sha256.New()
	writeField := func(data string) { writeLengthPrefixed(h, data) }

	writeField("name")
	writeField(n.Name)
	writeField("version")
	writeField(n.Version.String())

	// Variants (sorted)
	names := sortedVariantNames(n.Variants)
	writeCount(h, len(names))
	for _, name := range names {
		writeField(name)
		values := append([]string(nil), n.Variants[name]...)
		sort.Strings(values)
		writeCount(h, len(values))
		for _, v := range values {
			writeField(v)
		}
	}

	writeField("compiler")
	writeField(n.Compiler.Name)
	writeField(n.Compiler.Version.String())

	writeField("arch")
	writeField(n.Arch.Platform)
	writeField(n.Arch.OS)
	writeField(n.Arch.Target)

	writeField("external")
	writeField(n.External)

	// Dependencies (sorted)
	deps := append([]Edge(nil), n.Deps...)
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Hash < deps[j].Hash
	})
	writeCount(h, len(deps))
	for _, d := range deps {
		writeField(d.Name)
		writeField(d.Hash)
		writeField(d.Types.String())
	}

	sum := h.Sum(nil)
	return strings.ToLower(hashEncoding.EncodeToString(sum))[:HashLength]
}

func writeLengthPrefixed(h hash.Hash, data string) {
	var lengthBytes [8]byte
	binary.BigEndian.PutUint64(lengthBytes[:], uint64(len(data)))
	h.Write(lengthBytes[:])
	h.Write([]byte(data))
}

func writeCount(h hash.Hash, n int) {
	var countBytes [8]byte
	binary.BigEndian.PutUint64(countBytes[:], uint64(n))
	h.Write(countBytes[:])
}
