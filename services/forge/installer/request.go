// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// Policy controls what one request installs and how.
type Policy struct {
	// InstallDeps queues the root's dependency closure. When false, every
	// dependency must already be installed.
	InstallDeps bool

	// InstallPackage queues the root itself. When false only dependencies
	// are installed.
	InstallPackage bool

	// Overwrite rebuilds the root even if the Database reports it installed.
	Overwrite bool

	// FailFast removes every remaining task after the first failure.
	FailFast bool

	// Explicit records the root as explicitly installed.
	Explicit bool

	// KeepPrefix leaves a failed build's prefix in place.
	KeepPrefix bool
}

// DefaultPolicy installs the root and its dependencies, recording the root
// as explicit.
func DefaultPolicy() Policy {
	return Policy{InstallDeps: true, InstallPackage: true, Explicit: true}
}

// BuildRequest is one concrete root plus its install policy.
type BuildRequest struct {
	DAG    *spec.DAG
	Policy Policy
}

// NewRequest validates dag and returns a request for its root.
func NewRequest(dag *spec.DAG, policy Policy) (*BuildRequest, error) {
	if dag == nil {
		return nil, errors.New("installer: nil DAG")
	}
	if dag.RootNode() == nil {
		return nil, fmt.Errorf("%w: root %q", spec.ErrUnknownNode, dag.Root)
	}
	if err := dag.Verify(); err != nil {
		return nil, fmt.Errorf("installer: %w", err)
	}
	return &BuildRequest{DAG: dag, Policy: policy}, nil
}

// Root returns the request's root node.
func (r *BuildRequest) Root() *spec.Node { return r.DAG.RootNode() }

// BuildStatus is the state of a BuildTask.
type BuildStatus int

const (
	StatusAdded BuildStatus = iota
	StatusQueued
	StatusInstalling
	StatusInstalled
	StatusFailed
	StatusRemoved
)

var statusNames = [...]string{"ADDED", "QUEUED", "INSTALLING", "INSTALLED", "FAILED", "REMOVED"}

func (s BuildStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("BuildStatus(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s BuildStatus) Terminal() bool {
	return s == StatusInstalled || s == StatusFailed || s == StatusRemoved
}
