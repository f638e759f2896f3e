// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge concretizes abstract package specs into dependency DAGs and
// installs them.
//
//	forge spec 'hdf5@1.14 +mpi ^openmpi'
//	forge install 'zlib +shared' cmake
//	forge find --explicit
//	forge locks cleanup
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/stackforge/pkg/ux"
	"github.com/AleutianAI/stackforge/services/forge/concretize"
	"github.com/AleutianAI/stackforge/services/forge/installer"
)

// Exit codes
const (
	exitOK            = 0
	exitError         = 1
	exitUnsatisfiable = 2
	exitInstallFailed = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, opts := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if opts.app != nil {
		if cerr := opts.app.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err == nil {
		return exitOK
	}
	ux.NewPrinter(stderr).Error(err.Error())
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, concretize.ErrUnsatisfiable):
		return exitUnsatisfiable
	case errors.Is(err, installer.ErrInstallFailed):
		return exitInstallFailed
	default:
		return exitError
	}
}
