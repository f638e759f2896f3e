// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/stackforge/services/forge/catalog"
)

// CommandConfig configures a CommandBuilder.
type CommandConfig struct {
	// Catalog supplies each package's build commands.
	Catalog catalog.Catalog

	// StageDir holds per-build scratch directories. Default: os.TempDir().
	StageDir string

	// Shell runs each command as "<shell> -c <command>". Default: /bin/sh.
	Shell string

	// Env is appended to the inherited environment.
	Env []string

	// KillDelay bounds how long a cancelled build may take to exit.
	KillDelay time.Duration

	Logger *slog.Logger
}

// CommandBuilder runs a package's shell commands, selected per node by
// predicate dispatch.
//
// # Description
//
// Each command runs in a fresh staging directory with:
//
//	FORGE_PREFIX        install prefix
//	FORGE_SPEC          the node's spec string
//	FORGE_NAME, FORGE_VERSION, FORGE_HASH
//	FORGE_<DEP>_PREFIX  one per dependency, upper-cased, '-' as '_'
//	PATH                dependency bin directories first
//
// Output of every command goes to the log file. The first non-zero exit
// fails the build. Cancellation kills the whole process group.
//
// # Thread Safety
//
// Safe for concurrent use.
type CommandBuilder struct {
	cat       catalog.Catalog
	stageDir  string
	shell     string
	env       []string
	killDelay time.Duration
	logger    *slog.Logger
}

// NewCommandBuilder creates a CommandBuilder.
func NewCommandBuilder(cfg CommandConfig) (*CommandBuilder, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("build: catalog must not be nil")
	}
	if cfg.StageDir == "" {
		cfg.StageDir = os.TempDir()
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StageDir, 0755); err != nil {
		return nil, fmt.Errorf("build: creating stage directory: %w", err)
	}
	return &CommandBuilder{
		cat:       cfg.Catalog,
		stageDir:  cfg.StageDir,
		shell:     cfg.Shell,
		env:       cfg.Env,
		killDelay: cfg.KillDelay,
		logger:    cfg.Logger.With("component", "builder"),
	}, nil
}

// Build implements Builder.
func (b *CommandBuilder) Build(ctx context.Context, bc BuildContext) error {
	n := bc.Node
	fail := func(err error) error {
		return &BuildError{Hash: n.Hash, Name: n.Name, LogPath: bc.LogPath, Err: err}
	}

	pkg, err := b.cat.Package(n.Name)
	if err != nil {
		return fail(err)
	}
	cmds, err := pkg.BuildCommands(bc.DAG, n.Hash)
	if err != nil && !errors.Is(err, catalog.ErrNoDispatch) {
		return fail(err)
	}

	if err := os.MkdirAll(bc.Prefix, 0755); err != nil {
		return fail(fmt.Errorf("create prefix: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(bc.LogPath), 0755); err != nil {
		return fail(fmt.Errorf("create log directory: %w", err))
	}
	logf, err := os.Create(bc.LogPath)
	if err != nil {
		return fail(fmt.Errorf("create log: %w", err))
	}
	defer logf.Close()

	stage, err := os.MkdirTemp(b.stageDir, "forge-"+n.Name+"-"+shortHash(n.Hash)+"-")
	if err != nil {
		return fail(fmt.Errorf("create stage: %w", err))
	}
	defer os.RemoveAll(stage)

	env := b.environ(bc, stage)
	fmt.Fprintf(logf, "==> Building %s\n==> Prefix %s\n", n.String(), bc.Prefix)
	if len(cmds) == 0 {
		fmt.Fprintln(logf, "==> No build commands")
	}

	start := time.Now()
	for i, c := range cmds {
		fmt.Fprintf(logf, "==> [%d/%d] %s\n", i+1, len(cmds), c)
		cmd := exec.CommandContext(ctx, b.shell, "-c", c)
		cmd.Dir = stage
		cmd.Env = env
		cmd.Stdout = logf
		cmd.Stderr = logf
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		cmd.WaitDelay = b.killDelay

		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				fmt.Fprintf(logf, "==> Cancelled: %v\n", ctxErr)
				return fail(ctxErr)
			}
			fmt.Fprintf(logf, "==> Failed: %v\n", err)
			return fail(fmt.Errorf("command %d %q: %w", i+1, c, err))
		}
	}
	fmt.Fprintf(logf, "==> Done in %s\n", time.Since(start).Round(time.Millisecond))
	b.logger.Debug("build finished", "package", n.Name, "hash", n.Hash, "commands", len(cmds))
	return nil
}

func (b *CommandBuilder) environ(bc BuildContext, stage string) []string {
	n := bc.Node
	env := append(os.Environ(), b.env...)
	env = append(env,
		"FORGE_PREFIX="+bc.Prefix,
		"FORGE_SPEC="+n.String(),
		"FORGE_NAME="+n.Name,
		"FORGE_VERSION="+n.Version.String(),
		"FORGE_HASH="+n.Hash,
		"FORGE_STAGE="+stage,
	)

	names := make([]string, 0, len(bc.DepPrefixes))
	for name := range bc.DepPrefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	var bins []string
	for _, name := range names {
		prefix := bc.DepPrefixes[name]
		env = append(env, "FORGE_"+envName(name)+"_PREFIX="+prefix)
		bins = append(bins, filepath.Join(prefix, "bin"))
	}
	if len(bins) > 0 {
		env = append(env, "PATH="+strings.Join(append(bins, os.Getenv("PATH")), string(os.PathListSeparator)))
	}
	return env
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
