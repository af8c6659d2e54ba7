// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy means another process holds the session lock.
	ErrSessionBusy = errors.New("session: locked by another process")

	// ErrLockNotHeld is returned when releasing a lock that was never
	// acquired by this process.
	ErrLockNotHeld = errors.New("session: lock not held")

	// ErrStateDrift means the on-disk session no longer matches its
	// recorded metadata (canvas dimensions, step indices, or an
	// externally modified canvas).
	ErrStateDrift = errors.New("session: state drift detected")

	// ErrRecoveryRequired means the session directory shows signs of an
	// interrupted step and must be reconstructed before new steps run.
	ErrRecoveryRequired = errors.New("session: recovery required")

	// ErrCommit means a commit could not complete; the previously
	// committed state remains authoritative.
	ErrCommit = errors.New("session: commit failed")

	// ErrNotFound means the path does not contain a session.
	ErrNotFound = errors.New("session: not found")
)

// LockError carries information about the current lock holder.
type LockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%v: %s held by pid %d since %s",
			e.Err, e.Path, e.Holder.PID, e.Holder.LockedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *LockError) Unwrap() error { return e.Err }
