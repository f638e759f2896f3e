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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackforge/pkg/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig_DefaultsAndRelativePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FORGE_HOME", home)
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	writeFile(t, path, `
catalog:
  root: repo
locks:
  wait_timeout: 5s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "repo"), cfg.Catalog.Root)
	assert.Equal(t, filepath.Join(home, "opt"), cfg.InstallRoot)
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, filepath.Join(home, "forge.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(home, "locks"), cfg.Locks.Dir)
	assert.Equal(t, 24*time.Hour, cfg.Locks.TTL)
	assert.Equal(t, 5*time.Second, cfg.Locks.WaitTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_BadgerDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FORGE_HOME", home)
	path := filepath.Join(t.TempDir(), "forge.yaml")
	writeFile(t, path, "catalog: {root: /repo}\ndatabase: {backend: badger}\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "db"), cfg.Database.Path)
	assert.Equal(t, "/repo", cfg.Catalog.Root)
}

func TestLoadConfig_Rejects(t *testing.T) {
	t.Setenv("FORGE_HOME", t.TempDir())
	tests := []struct {
		name string
		yaml string
	}{
		{"missing catalog root", "install_root: /opt\n"},
		{"unknown field", "catalog: {root: /r}\nbogus: 1\n"},
		{"bad backend", "catalog: {root: /r}\ndatabase: {backend: postgres}\n"},
		{"bad compiler", "catalog: {root: /r}\nconcretizer: {compilers: [gcc]}\n"},
		{"bad arch", "catalog: {root: /r}\nconcretizer: {arch: linux}\n"},
		{"bad level", "catalog: {root: /r}\nlogging: {level: loud}\n"},
		{"external without prefix", `
catalog: {root: /r}
concretizer:
  packages:
    openssl:
      externals: [{spec: openssl@3.0.2}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "forge.yaml")
			writeFile(t, path, tt.yaml)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_EmptyFileNeedsCatalog(t *testing.T) {
	t.Setenv("FORGE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "forge.yaml")
	writeFile(t, path, "")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Root")
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("FORGE_CONFIG", "/etc/forge.yaml")
	assert.Equal(t, "/flag.yaml", resolveConfigPath("/flag.yaml"))
	assert.Equal(t, "/etc/forge.yaml", resolveConfigPath(""))

	t.Setenv("FORGE_CONFIG", "")
	t.Chdir(t.TempDir())
	assert.Equal(t, "", resolveConfigPath(""))
	writeFile(t, DefaultConfigFile, "catalog: {root: r}\n")
	assert.Equal(t, DefaultConfigFile, resolveConfigPath(""))
}

func TestConfig_ConcretizeOptions(t *testing.T) {
	t.Setenv("FORGE_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	writeFile(t, path, `
catalog: {root: repo}
concretizer:
  compilers: [gcc@12.3.0, clang@17]
  default_compiler: clang
  arch: linux-ubuntu22.04-x86_64
  targets: [zen2, aarch64]
  providers:
    mpi: [openmpi, mpich]
  max_steps: 500
  packages:
    openssl:
      versions: ["3.0:"]
      buildable: false
      externals:
        - spec: openssl@3.0.2
          prefix: sys/openssl
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cc, err := cfg.ConcretizeOptions()
	require.NoError(t, err)
	require.Len(t, cc.Compilers, 2)
	assert.Equal(t, "gcc", cc.Compilers[0].Name)
	assert.Equal(t, "12.3.0", cc.Compilers[0].Version.String())
	assert.Equal(t, "clang", cc.DefaultCompiler)
	assert.Equal(t, "linux", cc.Arch.Platform)
	assert.Equal(t, "ubuntu22.04", cc.Arch.OS)
	assert.Equal(t, "x86_64", cc.Arch.Target)
	assert.Equal(t, []string{"zen2", "aarch64"}, cc.Targets)
	assert.Equal(t, []string{"openmpi", "mpich"}, cc.Providers["mpi"])
	assert.Equal(t, 500, cc.MaxSteps)

	ossl := cc.Packages["openssl"]
	require.NotNil(t, ossl.Buildable)
	assert.False(t, *ossl.Buildable)
	assert.Equal(t, []string{"3.0:"}, ossl.Versions)
	require.Len(t, ossl.Externals, 1)
	assert.Equal(t, filepath.Join(dir, "sys/openssl"), ossl.Externals[0].Prefix)
}

func TestConfig_LoggerConfig(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Dir: "/var/log/forge"}}

	lc, err := cfg.LoggerConfig("")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "/var/log/forge", lc.LogDir)
	assert.Equal(t, "forge", lc.Service)

	lc, err = cfg.LoggerConfig("debug")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)

	_, err = cfg.LoggerConfig("verbose")
	assert.Error(t, err)
}

func TestParseCompiler(t *testing.T) {
	c, err := parseCompiler(" gcc@12.3.0 ")
	require.NoError(t, err)
	assert.Equal(t, "gcc", c.Name)
	assert.Equal(t, "12.3.0", c.Version.String())

	for _, bad := range []string{"gcc", "@12", "gcc@"} {
		_, err := parseCompiler(bad)
		assert.Error(t, err, bad)
	}
}
