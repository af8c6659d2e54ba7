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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LockInfo is the metadata written into the lock file for visibility
// and stale-lock diagnosis.
type LockInfo struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// IsExpired reports whether the lock's TTL has passed.
func (i *LockInfo) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// fileLocker abstracts platform-specific file locking operations.
// Unix uses flock(2); Windows currently no-ops.
type fileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// DirLock is an exclusive advisory lock on a session directory.
//
// The lock is a flock(2) on <root>/session.lock, so it disappears with
// the process no matter how it dies. The info JSON inside the file is
// advisory only, used to tell an operator who holds the lock; a stale
// info document from a crashed process is overwritten silently because
// flock itself proves nobody holds it.
type DirLock struct {
	path   string
	file   *os.File
	locker fileLocker
	info   *LockInfo
}

// DefaultLockTTL bounds how long a lock is advertised as live when the
// holder cannot be reached (e.g. across hosts on shared storage).
const DefaultLockTTL = time.Hour

// AcquireDirLock takes the exclusive lock for a session directory.
//
// # Inputs
//
//   - root: Session directory; must exist.
//   - sessionID: Recorded in the lock info.
//   - reason: Human-readable purpose, for debugging.
//
// # Outputs
//
//   - *DirLock: Held lock; callers must Release it.
//   - error: A *LockError wrapping ErrSessionBusy when another process
//     holds the lock.
func AcquireDirLock(root, sessionID, reason string) (*DirLock, error) {
	path := filepath.Join(root, LockFilename)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	locker := newPlatformLocker()
	if err := locker.Lock(f); err != nil {
		holder := readLockInfo(f)
		f.Close()
		if err == errWouldBlock {
			return nil, &LockError{Path: path, Holder: holder, Err: ErrSessionBusy}
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if stale := readLockInfo(f); stale != nil && stale.PID != os.Getpid() {
		slog.Info("Overwriting stale session lock",
			"path", path, "old_pid", stale.PID, "alive", isProcessAlive(stale.PID))
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	info := &LockInfo{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		LockedAt:  now,
		ExpiresAt: now.Add(DefaultLockTTL),
		Reason:    reason,
	}
	if err := writeLockInfo(f, info); err != nil {
		locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	slog.Debug("Acquired session lock", "path", path, "reason", reason)
	return &DirLock{path: path, file: f, locker: locker, info: info}, nil
}

// Release drops the lock. Safe to call once; subsequent calls return
// ErrLockNotHeld.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return ErrLockNotHeld
	}
	if err := l.locker.Unlock(l.file); err != nil {
		slog.Warn("Failed to unlock session lock", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	// Leave the lock file in place: removing it races with a concurrent
	// acquirer that already opened it.
	slog.Debug("Released session lock", "path", l.path)
	return err
}

// Info returns the metadata recorded at acquisition.
func (l *DirLock) Info() *LockInfo { return l.info }

// readLockInfo parses the info JSON from the lock file. Returns nil on
// any failure; the document is advisory.
func readLockInfo(f *os.File) *LockInfo {
	if _, err := f.Seek(0, 0); err != nil {
		return nil
	}
	var info LockInfo
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return nil
	}
	return &info
}

// writeLockInfo replaces the lock file's contents with the info JSON.
func writeLockInfo(f *os.File, info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
