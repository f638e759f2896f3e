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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackforge/pkg/logging"
	"github.com/AleutianAI/stackforge/services/forge/concretize"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/store"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

// DefaultConfigFile is looked up in the working directory when neither
// --config nor FORGE_CONFIG is given.
const DefaultConfigFile = "forge.yaml"

// Config is the forge.yaml file.
type Config struct {
	// InstallRoot holds all install prefixes. Default: $FORGE_HOME/opt.
	InstallRoot string `yaml:"install_root"`

	// StageDir holds build staging directories. Default: the system temp dir.
	StageDir string `yaml:"stage_dir"`

	Catalog     CatalogConfig     `yaml:"catalog"`
	Database    DatabaseConfig    `yaml:"database"`
	Locks       LocksConfig       `yaml:"locks"`
	Concretizer ConcretizerConfig `yaml:"concretizer"`
	Logging     LoggingConfig     `yaml:"logging"`

	// dir is the directory relative paths are resolved against.
	dir string
}

type CatalogConfig struct {
	Root            string `yaml:"root" validate:"required"`
	LoadConcurrency int    `yaml:"load_concurrency" validate:"min=0,max=64"`
}

type DatabaseConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=sqlite badger"`
	Path    string `yaml:"path"`
}

type LocksConfig struct {
	Dir         string        `yaml:"dir"`
	TTL         time.Duration `yaml:"ttl" validate:"min=0"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"min=0"`
}

type ConcretizerConfig struct {
	Compilers       []string                       `yaml:"compilers" validate:"dive,compiler"`
	DefaultCompiler string                         `yaml:"default_compiler"`
	Arch            string                         `yaml:"arch" validate:"omitempty,arch"`
	Targets         []string                       `yaml:"targets" validate:"dive,required"`
	Providers       map[string][]string            `yaml:"providers"`
	Packages        map[string]PackagePolicyConfig `yaml:"packages" validate:"dive"`
	MaxSteps        int                            `yaml:"max_steps" validate:"min=0"`
	Tests           bool                           `yaml:"tests"`
}

type PackagePolicyConfig struct {
	Versions  []string         `yaml:"versions"`
	Externals []ExternalConfig `yaml:"externals" validate:"dive"`
	Buildable *bool            `yaml:"buildable"`
}

type ExternalConfig struct {
	Spec   string `yaml:"spec" validate:"required,spec"`
	Prefix string `yaml:"prefix" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

var configValidate = validator.New()

func init() {
	_ = configValidate.RegisterValidation("compiler", func(fl validator.FieldLevel) bool {
		_, err := parseCompiler(fl.Field().String())
		return err == nil
	})
	_ = configValidate.RegisterValidation("arch", func(fl validator.FieldLevel) bool {
		_, err := spec.ParseArch(fl.Field().String())
		return err == nil
	})
	_ = configValidate.RegisterValidation("spec", func(fl validator.FieldLevel) bool {
		_, err := spec.Parse(fl.Field().String())
		return err == nil
	})
}

// resolveConfigPath picks the config file: the flag, then FORGE_CONFIG,
// then ./forge.yaml if it exists. "" means no file.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("FORGE_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// LoadConfig reads, defaults, and validates the config at path. An empty
// path yields defaults, which still require a catalog root.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		cfg.dir = abs
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.dir = wd
	}

	cfg.applyDefaults()
	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func forgeHome() string {
	if h := os.Getenv("FORGE_HOME"); h != "" {
		return expandHome(h)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".forge")
	}
	return ".forge"
}

func (c *Config) applyDefaults() {
	home := forgeHome()
	if c.InstallRoot == "" {
		c.InstallRoot = filepath.Join(home, "opt")
	}
	if c.Database.Backend == "" {
		c.Database.Backend = string(store.BackendSQLite)
	}
	if c.Database.Path == "" {
		if c.Database.Backend == string(store.BackendBadger) {
			c.Database.Path = filepath.Join(home, "db")
		} else {
			c.Database.Path = filepath.Join(home, "forge.db")
		}
	}
	if c.Locks.Dir == "" {
		c.Locks.Dir = filepath.Join(home, "locks")
	}
	if c.Locks.TTL == 0 {
		c.Locks.TTL = 24 * time.Hour
	}
	if c.Locks.WaitTimeout == 0 {
		c.Locks.WaitTimeout = 30 * time.Minute
	}
	if c.StageDir == "" {
		c.StageDir = os.TempDir()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.InstallRoot = c.resolve(c.InstallRoot)
	c.StageDir = c.resolve(c.StageDir)
	c.Catalog.Root = c.resolve(c.Catalog.Root)
	c.Database.Path = c.resolve(c.Database.Path)
	c.Locks.Dir = c.resolve(c.Locks.Dir)
	c.Logging.Dir = c.resolve(c.Logging.Dir)
}

// resolve expands ~ and anchors relative paths at the config directory.
func (c *Config) resolve(p string) string {
	if p == "" {
		return ""
	}
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.dir, p)
	}
	return filepath.Clean(p)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// ConcretizeOptions converts the concretizer section.
func (c *Config) ConcretizeOptions() (concretize.Config, error) {
	cc := c.Concretizer
	out := concretize.Config{
		DefaultCompiler: cc.DefaultCompiler,
		Providers:       cc.Providers,
		Targets:         cc.Targets,
		MaxSteps:        cc.MaxSteps,
		Tests:           cc.Tests,
	}
	for _, s := range cc.Compilers {
		comp, err := parseCompiler(s)
		if err != nil {
			return out, err
		}
		out.Compilers = append(out.Compilers, comp)
	}
	if cc.Arch != "" {
		arch, err := spec.ParseArch(cc.Arch)
		if err != nil {
			return out, err
		}
		out.Arch = arch
	}
	if len(cc.Packages) > 0 {
		out.Packages = make(map[string]concretize.PackageConfig, len(cc.Packages))
		for name, p := range cc.Packages {
			pc := concretize.PackageConfig{Versions: p.Versions, Buildable: p.Buildable}
			for _, e := range p.Externals {
				pc.Externals = append(pc.Externals, concretize.External{Spec: e.Spec, Prefix: c.resolve(e.Prefix)})
			}
			out.Packages[name] = pc
		}
	}
	return out, nil
}

// LoggerConfig converts the logging section, with an optional override
// level from the command line.
func (c *Config) LoggerConfig(levelOverride string) (logging.Config, error) {
	name := c.Logging.Level
	if levelOverride != "" {
		name = levelOverride
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "forge",
		JSON:    c.Logging.JSON,
	}, nil
}

// parseCompiler parses "name@version".
func parseCompiler(s string) (spec.Compiler, error) {
	name, ver, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || name == "" {
		return spec.Compiler{}, fmt.Errorf("compiler %q: want name@version", s)
	}
	v, err := version.Parse(ver)
	if err != nil {
		return spec.Compiler{}, fmt.Errorf("compiler %q: %w", s, err)
	}
	return spec.Compiler{Name: name, Version: v}, nil
}
