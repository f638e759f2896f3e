// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/stackforge/pkg/ux"
	"github.com/AleutianAI/stackforge/services/forge/concretize"
	"github.com/AleutianAI/stackforge/services/forge/installer"
)

func renderReport(p *ux.Printer, r *installer.Report) {
	for _, o := range r.Installed {
		p.Status(ux.IconSuccess, "installed", o.Spec, o.Prefix)
	}
	for _, o := range r.Skipped {
		p.Status(ux.IconSkipped, "skipped", o.Spec, o.Prefix)
	}
	for _, o := range r.Failed {
		detail := o.Err.Error()
		if o.LogPath != "" {
			detail += "; log: " + o.LogPath
		}
		p.Status(ux.IconError, "failed", o.Spec, detail)
	}
	for _, o := range r.Removed {
		p.Status(ux.IconWarning, "removed", o.Spec, "")
	}
	p.Counts(
		len(r.Installed), "installed",
		len(r.Skipped), "skipped",
		len(r.Failed), "failed",
		len(r.Removed), "removed",
	)
	p.Muted(fmt.Sprintf("session %s in %s", r.SessionID, r.Duration.Round(time.Millisecond)))
}

func renderConcretizeError(p *ux.Printer, err error) {
	var cerr *concretize.ConcretizationError
	if !errors.As(err, &cerr) {
		return
	}
	lines := make([]string, len(cerr.Conflicts))
	for i, c := range cerr.Conflicts {
		lines[i] = c.String()
	}
	if cerr.Exhausted {
		lines = append(lines, "search budget exhausted; raise concretizer.max_steps")
	}
	p.Box("Cannot concretize "+cerr.Spec, strings.Join(lines, "\n"))
}
