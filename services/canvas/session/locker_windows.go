// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package session

import (
	"errors"
	"os"
)

// errWouldBlock signals that another process holds the lock.
var errWouldBlock = errors.New("session: lock would block")

// windowsFileLocker is a stub; single-writer discipline on Windows
// currently relies on the lock info file alone.
//
// TODO: implement via golang.org/x/sys/windows LockFileEx with
// LOCKFILE_EXCLUSIVE_LOCK|LOCKFILE_FAIL_IMMEDIATELY.
type windowsFileLocker struct{}

func (windowsFileLocker) Lock(f *os.File) error   { return nil }
func (windowsFileLocker) Unlock(f *os.File) error { return nil }

// isProcessAlive is not implemented on Windows; stale locks are judged
// by TTL only.
func isProcessAlive(pid int) bool {
	return false
}

// newPlatformLocker returns the Windows locker stub.
func newPlatformLocker() fileLocker {
	return windowsFileLocker{}
}
