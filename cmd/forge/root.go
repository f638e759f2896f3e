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
	"github.com/spf13/cobra"
)

// rootOptions carries persistent flags and the per-invocation app.
type rootOptions struct {
	configPath string
	logLevel   string
	app        *app
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "forge",
		Short: "Concretize and install package dependency DAGs",
		Long: `forge resolves abstract package specs against a package catalog into
concrete, hashed dependency DAGs, then builds each node into its own
prefix, skipping anything already recorded as installed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(resolveConfigPath(opts.configPath))
			if err != nil {
				return err
			}
			a, err := newApp(cfg, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $FORGE_CONFIG or ./forge.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newSpecCmd(opts),
		newInstallCmd(opts),
		newFindCmd(opts),
		newCatalogCmd(opts),
		newLocksCmd(opts),
	)
	return cmd, opts
}
