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
	"errors"
	"fmt"
)

var (
	// ErrUnknownPackage indicates a name that is neither a package nor a virtual.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrInvalidPackage indicates a package definition that failed validation.
	ErrInvalidPackage = errors.New("invalid package definition")

	// ErrNoDispatch indicates no rule and no default matched a node.
	ErrNoDispatch = errors.New("no matching implementation")
)

// PackageError wraps a failure to load or validate one package definition.
type PackageError struct {
	Name string
	Path string
	Err  error
}

func (e *PackageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("package %s (%s): %v", e.Name, e.Path, e.Err)
	}
	return fmt.Sprintf("package %s: %v", e.Name, e.Err)
}

func (e *PackageError) Unwrap() error { return e.Err }
