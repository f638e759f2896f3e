// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concretize

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

// DefaultMaxSteps bounds assignment attempts when Config.MaxSteps is zero.
const DefaultMaxSteps = 100000

// Config holds concretizer policy. It is passed explicitly; the concretizer
// reads no global state.
type Config struct {
	// Compilers lists the compilers available for builds.
	Compilers []spec.Compiler

	// DefaultCompiler names the compiler used when none is requested or
	// inherited. Empty means the first entry of Compilers.
	DefaultCompiler string

	// Arch is the default architecture. Unset fields are host-detected.
	Arch spec.Arch

	// Targets lists extra targets a request may name with target= or arch=.
	// Platform and os are fixed to Arch.
	Targets []string

	// Providers orders preferred providers per virtual.
	Providers map[string][]string

	// Packages holds per-package preferences and externals.
	Packages map[string]PackageConfig

	// Tests includes test-type dependencies.
	Tests bool

	// MaxSteps bounds the number of assignment attempts.
	MaxSteps int

	// Logger for solve events. Default: slog.Default().
	Logger *slog.Logger
}

// PackageConfig is per-package policy.
type PackageConfig struct {
	// Versions lists preferred version constraints, most preferred first.
	Versions []string

	// Externals lists pre-installed instances, tried before any build.
	Externals []External

	// Buildable false restricts the package to its externals.
	Buildable *bool
}

// External is a pre-installed package.
type External struct {
	// Spec names the package and pins its version, e.g. "cmake@3.27.1".
	Spec string

	// Prefix is where the package is installed.
	Prefix string
}

// DefaultConfig returns a config for the host with no compilers.
func DefaultConfig() Config {
	return Config{
		Arch:     HostArch(),
		MaxSteps: DefaultMaxSteps,
	}
}

type externalCandidate struct {
	version  version.Version
	variants map[string]spec.VariantValue
	prefix   string
	source   string
}

type packagePrefs struct {
	versions  []version.Constraint
	externals []externalCandidate
	buildable bool
}

func compilePrefs(cfg Config) (map[string]packagePrefs, error) {
	out := make(map[string]packagePrefs, len(cfg.Packages))
	for name, pc := range cfg.Packages {
		prefs := packagePrefs{buildable: pc.Buildable == nil || *pc.Buildable}
		for _, v := range pc.Versions {
			con, err := version.ParseConstraint(v)
			if err != nil {
				return nil, fmt.Errorf("packages.%s.versions: %w", name, err)
			}
			prefs.versions = append(prefs.versions, con)
		}
		for i, ext := range pc.Externals {
			s, err := spec.Parse(ext.Spec)
			if err != nil {
				return nil, fmt.Errorf("packages.%s.externals[%d]: %w", name, i, err)
			}
			if s.Name != "" && s.Name != name {
				return nil, fmt.Errorf("packages.%s.externals[%d]: spec names %s", name, i, s.Name)
			}
			v, ok := s.Versions.Pinned()
			if !ok {
				return nil, fmt.Errorf("packages.%s.externals[%d]: %q must pin one version", name, i, ext.Spec)
			}
			if ext.Prefix == "" {
				return nil, fmt.Errorf("packages.%s.externals[%d]: prefix is required", name, i)
			}
			prefs.externals = append(prefs.externals, externalCandidate{
				version:  v,
				variants: s.Variants,
				prefix:   ext.Prefix,
				source:   ext.Spec,
			})
		}
		if !prefs.buildable && len(prefs.externals) == 0 {
			return nil, fmt.Errorf("packages.%s: not buildable and no externals", name)
		}
		out[name] = prefs
	}
	return out, nil
}

// HostArch detects the current platform, operating system and target.
func HostArch() spec.Arch {
	target := runtime.GOARCH
	switch target {
	case "amd64":
		target = "x86_64"
	case "arm64":
		target = "aarch64"
	}
	return spec.Arch{Platform: runtime.GOOS, OS: hostOS(), Target: target}
}

// hostOS returns ID+VERSION_ID from /etc/os-release, or GOOS.
func hostOS() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return runtime.GOOS
	}
	defer f.Close()

	var id, ver string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			id = value
		case "VERSION_ID":
			ver = value
		}
	}
	if id == "" {
		return runtime.GOOS
	}
	name := sanitizeArchField(id + ver)
	if name == "" {
		return runtime.GOOS
	}
	return name
}

// sanitizeArchField drops characters the spec syntax cannot carry.
func sanitizeArchField(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
