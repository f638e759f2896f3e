// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout maps concrete nodes to install prefixes.
//
// A prefix is
//
//	<root>/<platform>-<os>-<target>/<compiler>-<version>/<name>-<version>-<hash>
//
// and holds a .forge/spec.json describing the installed DAG. Builds log to
// <root>/.forge/logs so a failed build's log outlives its removed prefix;
// a successful build's log is moved into the prefix.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

const (
	// MetadataDir is the per-prefix metadata directory.
	MetadataDir = ".forge"

	// SpecFile is the installed DAG, relative to MetadataDir.
	SpecFile = "spec.json"

	// LogFile is the archived build log, relative to MetadataDir.
	LogFile = "build.log"

	// LogDir holds in-progress and failed build logs, relative to the root.
	LogDir = ".forge/logs"
)

// ErrNoMetadata indicates a prefix without a spec file.
var ErrNoMetadata = errors.New("prefix has no install metadata")

// Layout computes install prefixes under a root directory.
type Layout struct {
	root string
}

// New returns a Layout rooted at root.
func New(root string) (*Layout, error) {
	if root == "" {
		return nil, errors.New("layout: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	return &Layout{root: abs}, nil
}

// Root returns the absolute install root.
func (l *Layout) Root() string { return l.root }

// Prefix returns the install prefix for n. Externals keep their own prefix.
func (l *Layout) Prefix(n *spec.Node) string {
	if n.IsExternal() {
		return n.External
	}
	compiler := "nocompiler"
	if n.Compiler.Name != "" {
		compiler = n.Compiler.Name + "-" + n.Compiler.Version.String()
	}
	return filepath.Join(
		l.root,
		n.Arch.Platform+"-"+n.Arch.OS+"-"+n.Arch.Target,
		compiler,
		n.Name+"-"+n.Version.String()+"-"+n.Hash,
	)
}

// LogPath returns where the build of n writes its log. It lies outside
// the prefix and survives prefix removal.
func (l *Layout) LogPath(n *spec.Node) string {
	return filepath.Join(l.root, LogDir, n.Name+"-"+n.Version.String()+"-"+n.Hash+".log")
}

// InstalledLogPath returns where the log of an installed build is kept.
func (l *Layout) InstalledLogPath(n *spec.Node) string {
	return filepath.Join(l.Prefix(n), MetadataDir, LogFile)
}

// ArchiveLog moves the build log of n into its prefix and returns the new
// path. A build that wrote no log returns "".
func (l *Layout) ArchiveLog(n *spec.Node) (string, error) {
	src := l.LogPath(n)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	dst := l.InstalledLogPath(n)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("archive log: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archive log: %w", err)
	}
	return dst, nil
}

// WriteMetadata stores the sub-DAG rooted at hash in its prefix.
func (l *Layout) WriteMetadata(dag *spec.DAG, hash string) error {
	n, ok := dag.Get(hash)
	if !ok {
		return fmt.Errorf("%w: %s", spec.ErrUnknownNode, hash)
	}
	dir := filepath.Join(l.Prefix(n), MetadataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	data, err := json.MarshalIndent(dag.Sub(hash), "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", hash, err)
	}
	tmp, err := os.CreateTemp(dir, SpecFile+".*")
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, SpecFile))
}

// ReadMetadata loads and verifies the DAG stored in prefix.
func ReadMetadata(prefix string) (*spec.DAG, error) {
	data, err := os.ReadFile(filepath.Join(prefix, MetadataDir, SpecFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, prefix)
	}
	if err != nil {
		return nil, err
	}
	var dag spec.DAG
	if err := json.Unmarshal(data, &dag); err != nil {
		return nil, fmt.Errorf("decode %s: %w", prefix, err)
	}
	if err := dag.Verify(); err != nil {
		return nil, err
	}
	return &dag, nil
}

// Remove deletes the prefix of n. Externals are never touched.
func (l *Layout) Remove(n *spec.Node) error {
	if n.IsExternal() {
		return nil
	}
	return os.RemoveAll(l.Prefix(n))
}
