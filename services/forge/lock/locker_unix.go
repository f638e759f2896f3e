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

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// FileLocker abstracts advisory file locking.
//
// # Description
//
// Locks are tied to the open file description: they are released when the
// file is closed or the process exits, and two descriptors opened separately
// on one file conflict even inside a single process.
type FileLocker interface {
	// Lock takes an exclusive lock without blocking.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if already locked.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// UnixFileLocker implements FileLocker with flock(2).
type UnixFileLocker struct{}

// Lock uses LOCK_EX|LOCK_NB.
func (UnixFileLocker) Lock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrFileLocked
	}
	return err
}

// Unlock uses LOCK_UN.
func (UnixFileLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// IsProcessAlive checks whether pid exists using signal 0. EPERM means the
// process exists but belongs to another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
