// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockContention indicates another holder has the lock.
	ErrLockContention = errors.New("lock held by another process")

	// ErrLockNotHeld indicates a release of a lock this manager does not hold.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrAlreadyHeld indicates this manager already holds the lock.
	ErrAlreadyHeld = errors.New("lock already held by this manager")

	// ErrManagerClosed indicates use after Close.
	ErrManagerClosed = errors.New("lock manager closed")

	// ErrFileLocked is returned by a FileLocker when flock would block.
	ErrFileLocked = errors.New("file is locked")
)

// ContentionError reports who holds a contended lock.
type ContentionError struct {
	Hash   string
	Holder *Info
}

func (e *ContentionError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s held by pid %d on %s (session %s, %s)",
			e.Hash, e.Holder.PID, e.Holder.Hostname, e.Holder.SessionID, e.Holder.Reason)
	}
	return fmt.Sprintf("lock %s held by another process", e.Hash)
}

func (e *ContentionError) Unwrap() error { return ErrLockContention }

// LockTimeoutError is returned when waiting for a lock exceeds the ceiling.
type LockTimeoutError struct {
	Hash   string
	Waited time.Duration
	Holder *Info
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for lock %s", e.Waited.Round(time.Millisecond), e.Hash)
	if e.Holder != nil {
		msg += fmt.Sprintf(" (held by pid %d on %s)", e.Holder.PID, e.Holder.Hostname)
	}
	return msg
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockContention }
