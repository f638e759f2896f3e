// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build produces install prefixes from concrete nodes.
package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// ErrBuildFailed is matched by every BuildError.
var ErrBuildFailed = errors.New("build failed")

// BuildContext is everything a Builder needs for one node.
type BuildContext struct {
	// Node is the node to build. Its dependencies are already installed.
	Node *spec.Node

	// DAG contains Node and its closure.
	DAG *spec.DAG

	// Prefix is where the result must be installed.
	Prefix string

	// LogPath receives the build output.
	LogPath string

	// DepPrefixes maps each dependency name in the closure to its prefix.
	DepPrefixes map[string]string
}

// Builder installs one concrete node into its prefix.
type Builder interface {
	Build(ctx context.Context, bc BuildContext) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, bc BuildContext) error

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, bc BuildContext) error { return f(ctx, bc) }

// BuildError is a failed build of one node.
type BuildError struct {
	Hash    string
	Name    string
	LogPath string
	Err     error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build of %s/%s failed: %v", e.Name, shortHash(e.Hash), e.Err)
	if e.LogPath != "" {
		msg += " (log: " + e.LogPath + ")"
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is matches ErrBuildFailed.
func (e *BuildError) Is(target error) bool { return target == ErrBuildFailed }

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
