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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeType classifies an external modification to a canonical file.
type ChangeType string

const (
	ChangeWrite  ChangeType = "write"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// ExternalChangeEvent reports that someone other than this Store
// touched a canonical session file while the session lock was held.
type ExternalChangeEvent struct {
	Path      string
	EventType ChangeType
}

// WatchCanonical watches canvas_latest.png and session_state.json for
// external modification, invoking the callback for each event until
// the context is cancelled.
//
// # Description
//
// The lock is advisory; a misbehaving tool can still rewrite canonical
// files under us. The watcher surfaces that as early warning so the
// caller can force a Reconstruct instead of committing on top of a
// diverged canvas. The session directory (not the files) is watched so
// atomic rename-into-place replacements are observed.
//
// Events caused by this Store's own commits are not filtered out;
// callers that mutate the session should pause handling around their
// own writes or treat the callback as a hint and re-verify.
func (s *Store) WatchCanonical(ctx context.Context, callback func(ExternalChangeEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(s.state.SessionRoot); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", s.state.SessionRoot, err)
	}

	canonical := map[string]bool{
		s.state.CanvasPath(): true,
		s.state.StatePath():  true,
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, _ := filepath.Abs(event.Name)
				if !canonical[abs] {
					continue
				}
				var changeType ChangeType
				switch {
				case event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0:
					changeType = ChangeWrite
				case event.Op&fsnotify.Remove != 0:
					changeType = ChangeDelete
				case event.Op&fsnotify.Rename != 0:
					changeType = ChangeRename
				default:
					continue
				}
				slog.Warn("Canonical session file changed on disk",
					"path", abs, "event", string(changeType))
				callback(ExternalChangeEvent{Path: abs, EventType: changeType})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("File watcher error", "error", err)
			}
		}
	}()
	return nil
}
