// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// PackageFileHCL is the alternative HCL definition file name. When a package
// directory holds both, PackageFile wins.
//
//	package "zlib" {
//	  version "1.3" { preferred = true }
//	  variant "shared" { default = "true" }
//	  depends_on "cmake" { types = ["build"] }
//	  build {
//	    commands = ["make install PREFIX=$FORGE_PREFIX"]
//	  }
//	}
const PackageFileHCL = "package.hcl"

type hclPackageFile struct {
	Package hclPackage `hcl:"package,block"`
}

type hclPackage struct {
	Name         string          `hcl:"name,label"`
	Description  string          `hcl:"description,optional"`
	Versions     []hclVersion    `hcl:"version,block"`
	Variants     []hclVariant    `hcl:"variant,block"`
	Dependencies []hclDependency `hcl:"depends_on,block"`
	Conflicts    []hclConflict   `hcl:"conflict,block"`
	Provides     []hclProvide    `hcl:"provides,block"`
	Build        *hclBuild       `hcl:"build,block"`
}

type hclVersion struct {
	Version    string `hcl:"version,label"`
	Preferred  bool   `hcl:"preferred,optional"`
	Deprecated bool   `hcl:"deprecated,optional"`
}

type hclVariant struct {
	Name        string   `hcl:"name,label"`
	Default     string   `hcl:"default,optional"`
	Values      []string `hcl:"values,optional"`
	Multi       bool     `hcl:"multi,optional"`
	When        string   `hcl:"when,optional"`
	Description string   `hcl:"description,optional"`
}

type hclDependency struct {
	Spec  string   `hcl:"spec,label"`
	Types []string `hcl:"types,optional"`
	When  string   `hcl:"when,optional"`
}

type hclConflict struct {
	When    string `hcl:"when,label"`
	Message string `hcl:"message,optional"`
}

type hclProvide struct {
	Spec string `hcl:"spec,label"`
	When string `hcl:"when,optional"`
}

type hclBuild struct {
	Commands  []string      `hcl:"commands,optional"`
	Overrides []hclOverride `hcl:"override,block"`
}

type hclOverride struct {
	When     string   `hcl:"when,label"`
	Commands []string `hcl:"commands"`
}

// DecodeHCL parses an HCL package definition into its declaration form.
// filename is used in diagnostics only.
func DecodeHCL(filename string, src []byte) (PackageYAML, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return PackageYAML{}, fmt.Errorf("%w: %s", ErrInvalidPackage, diags.Error())
	}
	var parsed hclPackageFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return PackageYAML{}, fmt.Errorf("%w: %s", ErrInvalidPackage, diags.Error())
	}
	return parsed.Package.declaration(), nil
}

func (p hclPackage) declaration() PackageYAML {
	decl := PackageYAML{Name: p.Name, Description: p.Description}
	for _, v := range p.Versions {
		decl.Versions = append(decl.Versions, VersionYAML(v))
	}
	for _, v := range p.Variants {
		decl.Variants = append(decl.Variants, VariantYAML(v))
	}
	for _, d := range p.Dependencies {
		decl.Dependencies = append(decl.Dependencies, DependencyYAML(d))
	}
	for _, c := range p.Conflicts {
		decl.Conflicts = append(decl.Conflicts, ConflictYAML(c))
	}
	for _, pr := range p.Provides {
		decl.Provides = append(decl.Provides, ProvideYAML(pr))
	}
	if p.Build != nil {
		decl.Build.Commands = p.Build.Commands
		for _, o := range p.Build.Overrides {
			decl.Build.Overrides = append(decl.Build.Overrides, BuildOverrideYAML(o))
		}
	}
	return decl
}
