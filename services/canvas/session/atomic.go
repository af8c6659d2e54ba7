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
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriteHook intercepts every atomic replace. Tests set it to
// observe write ordering or to inject I/O failures at a chosen point;
// a non-nil error aborts the write before any bytes land.
var atomicWriteHook func(path string) error

// writeFileAtomic atomically replaces path with data.
//
// # Description
//
// Readers never observe a partial file: the data goes to a temp file in
// the destination directory, is fsynced, then renamed into place. The
// directory itself is fsynced best-effort so the rename survives a
// crash on filesystems that need it.
func writeFileAtomic(path string, data []byte) error {
	if atomicWriteHook != nil {
		if err := atomicWriteHook(path); err != nil {
			return err
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}

	fsyncDir(dir)
	return nil
}

// fsyncDir flushes directory metadata. Best effort: some platforms and
// filesystems refuse to fsync directories.
func fsyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
