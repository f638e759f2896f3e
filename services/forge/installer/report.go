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
	"time"

	"github.com/AleutianAI/stackforge/services/forge/build"
)

// Outcome is the final state of one task.
type Outcome struct {
	Hash     string
	Name     string
	Spec     string
	Status   BuildStatus
	Explicit bool

	// Skipped is true when the task was satisfied without building: already
	// in the Database, installed by another process, or external.
	Skipped bool

	Prefix string

	// LogPath points at the build log of the failure's root cause.
	LogPath string

	Err error
}

// Report summarizes one Install call. Every scheduled task appears in
// exactly one of Installed, Skipped, Failed, or Removed, in completion
// order. Roots lists each request root in request order.
type Report struct {
	SessionID string
	Installed []Outcome
	Skipped   []Outcome
	Failed    []Outcome
	Removed   []Outcome
	Roots     []Outcome
	Duration  time.Duration
}

// Err returns an *InstallError naming failed or removed roots, or nil.
func (r *Report) Err() error {
	var bad []Outcome
	for _, o := range r.Roots {
		if o.Status != StatusInstalled {
			bad = append(bad, o)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return &InstallError{Failed: bad}
}

// Names returns the package names of outcomes, for logging and tests.
func Names(outcomes []Outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Name
	}
	return out
}

func outcomeOf(t *BuildTask) Outcome {
	o := Outcome{
		Hash:     t.Hash(),
		Name:     t.Node.Name,
		Spec:     t.Node.String(),
		Status:   t.Status,
		Explicit: t.explicit,
		Skipped:  t.skipped,
		Prefix:   t.prefix,
		Err:      t.Err,
	}
	var berr *build.BuildError
	if errors.As(t.Err, &berr) {
		o.LogPath = berr.LogPath
	}
	return o
}

func (r *Report) add(t *BuildTask) {
	o := outcomeOf(t)
	switch {
	case t.Status == StatusInstalled && t.skipped:
		r.Skipped = append(r.Skipped, o)
	case t.Status == StatusInstalled:
		r.Installed = append(r.Installed, o)
	case t.Status == StatusFailed:
		r.Failed = append(r.Failed, o)
	default:
		r.Removed = append(r.Removed, o)
	}
}
