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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackforge/pkg/ux"
	"github.com/AleutianAI/stackforge/services/forge/installer"
	"github.com/AleutianAI/stackforge/services/forge/lock"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/store"
)

// =============================================================================
// spec
// =============================================================================

func newSpecCmd(o *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "spec SPEC...",
		Short: "Concretize specs and print the resulting DAGs",
		Long: `Each argument is one abstract spec. Quote specs containing spaces:

  forge spec 'hdf5@1.14 +mpi ^openmpi' zlib`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ux.NewPrinter(cmd.OutOrStdout())
			dags, err := o.app.concretizeAll(cmd.Context(), args)
			if err != nil {
				renderConcretizeError(ux.NewPrinter(cmd.ErrOrStderr()), err)
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if len(dags) == 1 {
					return enc.Encode(dags[0])
				}
				return enc.Encode(dags)
			}
			for _, dag := range dags {
				p.Title(dag.RootNode().Name)
				fmt.Fprint(cmd.OutOrStdout(), dag.Tree())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the DAG as JSON")
	return cmd
}

// =============================================================================
// install
// =============================================================================

type installOptions struct {
	only       string
	overwrite  bool
	failFast   bool
	keepPrefix bool
	implicit   bool
}

func (o installOptions) policy() (installer.Policy, error) {
	pol := installer.DefaultPolicy()
	switch o.only {
	case "", "all":
	case "package":
		pol.InstallDeps = false
	case "dependencies":
		pol.InstallPackage = false
	default:
		return pol, fmt.Errorf("--only must be package, dependencies or all, not %q", o.only)
	}
	pol.Overwrite = o.overwrite
	pol.FailFast = o.failFast
	pol.KeepPrefix = o.keepPrefix
	pol.Explicit = !o.implicit
	return pol, nil
}

func newInstallCmd(o *rootOptions) *cobra.Command {
	var opts installOptions
	cmd := &cobra.Command{
		Use:   "install SPEC...",
		Short: "Concretize and install specs with their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := opts.policy()
			if err != nil {
				return err
			}
			dags, err := o.app.concretizeAll(cmd.Context(), args)
			if err != nil {
				renderConcretizeError(ux.NewPrinter(cmd.ErrOrStderr()), err)
				return err
			}
			inst, _, err := o.app.installer(uuid.NewString()[:12])
			if err != nil {
				return err
			}
			reqs := make([]*installer.BuildRequest, 0, len(dags))
			for _, dag := range dags {
				req, err := installer.NewRequest(dag, pol)
				if err != nil {
					return err
				}
				reqs = append(reqs, req)
			}

			report, err := inst.Install(cmd.Context(), reqs...)
			if report != nil {
				renderReport(ux.NewPrinter(cmd.OutOrStdout()), report)
			}
			if err != nil {
				return err
			}
			return report.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.only, "only", "all", "install only the package or only its dependencies")
	f.BoolVar(&opts.overwrite, "overwrite", false, "rebuild the requested specs even if installed")
	f.BoolVar(&opts.failFast, "fail-fast", false, "stop at the first failed build")
	f.BoolVar(&opts.keepPrefix, "keep-prefix", false, "keep the prefix of a failed build")
	f.BoolVar(&opts.implicit, "implicit", false, "record the requested specs as implicit")
	return cmd
}

// =============================================================================
// find
// =============================================================================

func newFindCmd(o *rootOptions) *cobra.Command {
	var explicit, implicit, paths, asJSON bool
	cmd := &cobra.Command{
		Use:   "find [SPEC]",
		Short: "List installed specs, optionally matching SPEC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if explicit && implicit {
				return fmt.Errorf("--explicit and --implicit are mutually exclusive")
			}
			var pattern *spec.Spec
			if len(args) > 0 {
				var err error
				if pattern, err = spec.Parse(strings.Join(args, " ")); err != nil {
					return err
				}
			}
			installed := true
			filter := store.Filter{Installed: &installed}
			if explicit || implicit {
				filter.Explicit = &explicit
			}

			db, err := o.app.database()
			if err != nil {
				return err
			}
			recs, err := db.Query(cmd.Context(), pattern, filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			p := ux.NewPrinter(cmd.OutOrStdout())
			if len(recs) == 0 {
				p.Warning("no matching installed specs")
				return nil
			}
			p.Title(fmt.Sprintf("%d installed", len(recs)))
			for _, r := range recs {
				label := "implicit"
				if r.Explicit {
					label = "explicit"
				}
				if r.External {
					label += ",external"
				}
				detail := ""
				if paths {
					detail = r.Prefix
				}
				icon := ux.IconSuccess
				if !r.Explicit {
					icon = ux.IconSkipped
				}
				p.Status(icon, label, r.Node.ShortHash()+" "+r.Node.String(), detail)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&explicit, "explicit", false, "only explicitly installed specs")
	f.BoolVar(&implicit, "implicit", false, "only specs installed as dependencies")
	f.BoolVarP(&paths, "paths", "p", false, "show install prefixes")
	f.BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

// =============================================================================
// catalog
// =============================================================================

func newCatalogCmd(o *rootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:     "catalog [FILTER]",
		Aliases: []string{"list"},
		Short:   "List packages in the catalog",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := o.app.catalog(); err != nil {
				return err
			}
			reg := o.app.registry
			if check {
				pkgs, err := reg.LoadAll(cmd.Context())
				if err != nil {
					return err
				}
				ux.NewPrinter(cmd.ErrOrStderr()).Success(fmt.Sprintf("%d package definitions valid", len(pkgs)))
			}
			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				if len(args) == 1 && !strings.Contains(name, args[0]) {
					continue
				}
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "load and validate every package definition")
	return cmd
}

// =============================================================================
// locks
// =============================================================================

func newLocksCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean install locks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List held and stale install locks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := o.app.lockManager("cli")
				if err != nil {
					return err
				}
				infos, err := m.List()
				if err != nil {
					return err
				}
				p := ux.NewPrinter(cmd.OutOrStdout())
				if len(infos) == 0 {
					p.Success("no install locks held")
					return nil
				}
				for i := range infos {
					renderLock(p, m, &infos[i])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Clear stale lock records left by dead holders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := o.app.lockManager("cli")
				if err != nil {
					return err
				}
				n, err := m.CleanupStale()
				if err != nil {
					return err
				}
				ux.NewPrinter(cmd.OutOrStdout()).Success(fmt.Sprintf("cleared %d stale lock(s)", n))
				return nil
			},
		},
	)
	return cmd
}

func renderLock(p *ux.Printer, m *lock.Manager, info *lock.Info) {
	icon, label := ux.IconWarning, "held"
	if m.Stale(info) {
		icon, label = ux.IconError, "stale"
	}
	detail := fmt.Sprintf("pid %d on %s, session %s, since %s",
		info.PID, info.Hostname, info.SessionID, info.LockedAt.Format("2006-01-02 15:04:05"))
	if info.Reason != "" {
		detail += ", " + info.Reason
	}
	p.Status(icon, label, info.Hash, detail)
}
