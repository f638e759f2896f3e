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
	"strings"
)

var (
	// ErrDependencyFailed marks a task failed because a dependency failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrMissingDependency marks a root whose dependencies are not installed
	// while the request does not install them.
	ErrMissingDependency = errors.New("dependency not installed")

	// ErrInstallInProgress is returned when Install is called concurrently
	// on one Installer.
	ErrInstallInProgress = errors.New("install already in progress")

	// ErrSchedulerInvariant indicates a task was selected with uninstalled
	// dependencies. It aborts the run.
	ErrSchedulerInvariant = errors.New("scheduler invariant violated")

	// ErrInstallFailed is matched by every InstallError.
	ErrInstallFailed = errors.New("install failed")
)

// DependencyFailedError is attached to every dependent of a failed task.
// It unwraps to the root cause, so errors.As finds the original BuildError.
type DependencyFailedError struct {
	Name string
	Hash string
	Err  error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("dependency %s/%s failed", e.Name, short(e.Hash))
}

func (e *DependencyFailedError) Unwrap() []error { return []error{ErrDependencyFailed, e.Err} }

// MissingDependencyError names a dependency that must already be installed.
type MissingDependencyError struct {
	Name string
	Hash string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%v: %s/%s", ErrMissingDependency, e.Name, short(e.Hash))
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// InstallError aggregates the failed roots of one Install call.
type InstallError struct {
	Failed []Outcome
}

func (e *InstallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of the requested specs failed to install:", len(e.Failed))
	for _, o := range e.Failed {
		fmt.Fprintf(&b, "\n  %s/%s: %v", o.Name, short(o.Hash), o.Err)
		if o.LogPath != "" {
			fmt.Fprintf(&b, " (log: %s)", o.LogPath)
		}
	}
	return b.String()
}

func (e *InstallError) Is(target error) bool { return target == ErrInstallFailed }

func short(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
