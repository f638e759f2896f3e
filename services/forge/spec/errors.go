// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package spec

import (
	"errors"
	"fmt"
)

// Sentinel errors for spec operations.
var (
	// ErrParse indicates malformed spec syntax.
	ErrParse = errors.New("spec parse error")

	// ErrConstraint indicates two constraints that cannot both hold,
	// or a value outside its legal set.
	ErrConstraint = errors.New("constraint error")

	// ErrUnknownNode indicates a hash that is not present in a DAG.
	ErrUnknownNode = errors.New("unknown node")

	// ErrHashMismatch indicates a stored node whose content no longer
	// matches its key.
	ErrHashMismatch = errors.New("dag hash mismatch")
)

// ParseError reports the position of a syntax error.
type ParseError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("spec parse error at %d in %q: %s", e.Pos, e.Input, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ConstraintError reports a constraint violation on one field of a spec.
type ConstraintError struct {
	// Spec names the package the constraint applies to.
	Spec string

	// Field is the constrained field: version, variant:<name>, compiler,
	// arch or external.
	Field string

	Msg string
}

func (e *ConstraintError) Error() string {
	if e.Spec == "" {
		return fmt.Sprintf("constraint error (%s): %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("constraint error on %s (%s): %s", e.Spec, e.Field, e.Msg)
}

func (e *ConstraintError) Unwrap() error { return ErrConstraint }

func constraintErrorf(spec, field, format string, args ...any) *ConstraintError {
	return &ConstraintError{Spec: spec, Field: field, Msg: fmt.Sprintf(format, args...)}
}
