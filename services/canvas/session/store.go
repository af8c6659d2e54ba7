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
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// Store is the single writer for one session directory.
//
// # Description
//
// A Store holds the session's advisory directory lock from Create/Open
// until Close. All mutations go through atomic file replacement, and a
// step only becomes part of history when its committed.ok marker lands,
// strictly after the canvas and metadata. A reader (or a recovering
// process) can therefore trust: marker present means canvas, state,
// and artifacts for that step are all complete.
//
// # Thread Safety
//
// All methods are safe for concurrent use; a mutex serializes
// mutations within the process, the flock serializes across processes.
type Store struct {
	state *State
	lock  *DirLock
	log   *slog.Logger
}

// Create initializes a new session directory under artifactRoot.
//
// # Description
//
// The seed canvas must be exactly TilePx². Layout after creation:
//
//	<artifactRoot>/<session-id>/
//	  canvas_latest.png
//	  session_state.json
//	  session.lock
//	  steps/0000/canvas_initial.png
//	  steps/0000/committed.ok
//
// Step 0 is the seed commit; real steps start at 1.
//
// # Inputs
//
//   - artifactRoot: Parent directory for sessions; created if missing.
//   - seed: Initial canvas image.
//   - mode: Growth direction, fixed for the session's lifetime.
//   - p: Geometry parameters, fixed for the session's lifetime.
//
// # Outputs
//
//   - *Store: Open store holding the session lock.
//   - error: Non-nil on validation or I/O failure.
func Create(artifactRoot string, seed *image.NRGBA, mode geometry.Direction, p geometry.Params) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", geometry.ErrGeometry, mode)
	}
	w, h := imaging.Size(seed)
	if w != p.TilePx || h != p.TilePx {
		return nil, fmt.Errorf("%w: initial canvas must be %dx%d, got %dx%d",
			geometry.ErrGeometry, p.TilePx, p.TilePx, w, h)
	}

	sessionID := uuid.NewString()
	root, err := filepath.Abs(filepath.Join(artifactRoot, sessionID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, StepsDirname), 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	lock, err := AcquireDirLock(root, sessionID, "session create")
	if err != nil {
		return nil, err
	}

	state := &State{
		SessionID:            sessionID,
		SessionRoot:          root,
		Mode:                 mode,
		Params:               p,
		ExtPx:                p.AdvancePx,
		CanvasWidthExpected:  w,
		CanvasHeightExpected: h,
		StepIndexCurrent:     0,
	}
	state.Normalize()

	s := &Store{
		state: state,
		lock:  lock,
		log:   slog.Default().With("component", "session", "session_id", sessionID),
	}

	seedPNG, err := imaging.EncodePNG(seed)
	if err != nil {
		s.Close()
		return nil, err
	}
	step0 := state.StepDir(0)
	if err := writeFileAtomic(filepath.Join(step0, CanvasInitialPNG), seedPNG); err != nil {
		s.Close()
		return nil, err
	}
	if err := writeFileAtomic(state.CanvasPath(), seedPNG); err != nil {
		s.Close()
		return nil, err
	}
	stateJSON, err := state.Encode()
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := writeFileAtomic(state.StatePath(), stateJSON); err != nil {
		s.Close()
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(step0, CommittedMarker), []byte("ok\n")); err != nil {
		s.Close()
		return nil, err
	}

	s.log.Info("Created session", "root", root, "mode", mode,
		"canvas_w", w, "canvas_h", h)
	return s, nil
}

// Open loads an existing session directory and takes its lock.
//
// A session that was moved on disk is rebased to its actual location;
// the recorded session_root is advisory after a move.
func Open(sessionRoot string) (*Store, error) {
	root, err := filepath.Abs(sessionRoot)
	if err != nil {
		return nil, err
	}
	statePath := filepath.Join(root, StateFilename)
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return nil, fmt.Errorf("reading %s: %w", statePath, err)
	}
	state, err := DecodeState(data)
	if err != nil {
		return nil, err
	}
	if state.SessionRoot != root {
		slog.Warn("Session directory was moved, rebasing",
			"recorded", state.SessionRoot, "actual", root)
		state.SessionRoot = root
	}

	lock, err := AcquireDirLock(root, state.SessionID, "session open")
	if err != nil {
		return nil, err
	}

	s := &Store{
		state: state,
		lock:  lock,
		log:   slog.Default().With("component", "session", "session_id", state.SessionID),
	}
	s.log.Debug("Opened session", "root", root, "step", state.StepIndexCurrent)
	return s, nil
}

// Close releases the session lock. The Store must not be used after.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Release()
	s.lock = nil
	return err
}

// State returns a copy of the current in-memory state.
func (s *Store) State() State {
	return *s.state
}

// Root returns the session directory.
func (s *Store) Root() string {
	return s.state.SessionRoot
}

// ReadCanvas loads the canonical canvas.
func (s *Store) ReadCanvas() (*image.NRGBA, error) {
	data, err := os.ReadFile(s.state.CanvasPath())
	if err != nil {
		return nil, fmt.Errorf("reading canvas: %w", err)
	}
	return imaging.DecodePNG(data)
}

// StepDir returns the artifact directory for a step index.
func (s *Store) StepDir(stepIndex int) string {
	return s.state.StepDir(stepIndex)
}

// WriteStepArtifact atomically writes one named artifact into a step
// directory. Artifacts are written before commit so a crashed or
// rejected step can still be diffed.
func (s *Store) WriteStepArtifact(stepIndex int, name string, data []byte) error {
	return writeFileAtomic(filepath.Join(s.state.StepDir(stepIndex), name), data)
}

// WriteStepImage encodes an image as PNG and writes it as a step
// artifact.
func (s *Store) WriteStepImage(stepIndex int, name string, img *image.NRGBA) error {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return err
	}
	return s.WriteStepArtifact(stepIndex, name, data)
}

// Commit makes stepIndex the new authoritative head.
//
// # Description
//
// Write order is load-bearing for crash recovery:
//
//  1. canvas_latest.png (atomic replace)
//  2. session_state.json (atomic replace)
//  3. steps/NNNN/committed.ok (atomic create)
//
// A crash between 1 and 3 leaves a step directory without a marker;
// Reconstruct detects it and rolls the session back to the previous
// committed step. In-memory state advances only after the marker is
// durable.
//
// # Edge Cases
//
//   - stepIndex must be exactly StepIndexCurrent+1; anything else is
//     an ErrCommit.
func (s *Store) Commit(stepIndex int, canvasNext *image.NRGBA) error {
	if stepIndex != s.state.StepIndexCurrent+1 {
		return fmt.Errorf("%w: step %d does not follow committed head %d",
			ErrCommit, stepIndex, s.state.StepIndexCurrent)
	}

	w, h := imaging.Size(canvasNext)
	next := *s.state
	next.CanvasWidthExpected = w
	next.CanvasHeightExpected = h
	next.StepIndexCurrent = stepIndex

	canvasPNG, err := imaging.EncodePNG(canvasNext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	stateJSON, err := next.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}

	if err := writeFileAtomic(next.CanvasPath(), canvasPNG); err != nil {
		return fmt.Errorf("%w: canvas: %v", ErrCommit, err)
	}
	if err := writeFileAtomic(next.StatePath(), stateJSON); err != nil {
		return fmt.Errorf("%w: state: %v", ErrCommit, err)
	}
	if err := writeFileAtomic(filepath.Join(next.StepDir(stepIndex), CommittedMarker), []byte("ok\n")); err != nil {
		return fmt.Errorf("%w: marker: %v", ErrCommit, err)
	}

	*s.state = next
	s.log.Info("Committed step", "step", stepIndex, "canvas_w", w, "canvas_h", h)
	return nil
}

// RejectionRecord is the structured rejection detail persisted next to
// the human-readable marker.
type RejectionRecord struct {
	StepIndex  int       `json:"step_index"`
	Class      string    `json:"class"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Reject marks a step directory as rejected. The canonical canvas and
// state are untouched; the step index stays available for the next
// attempt after a rollback of the step counter by the caller.
func (s *Store) Reject(stepIndex int, class, reason string) error {
	rec := RejectionRecord{
		StepIndex:  stepIndex,
		Class:      class,
		Reason:     reason,
		RejectedAt: time.Now().UTC(),
	}
	detail, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := s.WriteStepArtifact(stepIndex, RejectedDetail, append(detail, '\n')); err != nil {
		return err
	}
	if err := s.WriteStepArtifact(stepIndex, RejectedMarker, []byte(class+": "+reason+"\n")); err != nil {
		return err
	}
	s.log.Warn("Rejected step", "step", stepIndex, "class", class, "reason", reason)
	return nil
}

// PrepareStep makes sure stepIndex starts in a fresh directory.
//
// A rejected attempt leaves rejected.err and its artifacts behind, and
// the next attempt reuses the same index. The old directory is renamed
// out of the steps/ namespace (steps/NNNN.rejected.<nanos>) so no step
// directory ever carries both a failure record and a commit marker.
func (s *Store) PrepareStep(stepIndex int) error {
	dir := s.state.StepDir(stepIndex)
	if !fileExists(filepath.Join(dir, RejectedMarker)) {
		return nil
	}
	aside := fmt.Sprintf("%s.rejected.%d", dir, time.Now().UnixNano())
	if err := os.Rename(dir, aside); err != nil {
		return fmt.Errorf("setting aside rejected step %d: %w", stepIndex, err)
	}
	s.log.Info("Set aside rejected attempt", "step", stepIndex, "aside", filepath.Base(aside))
	return nil
}

// stepIndexOf parses a steps/ entry name; ok is false for anything
// that is not a plain %04d directory (rolled-back steps are renamed
// out of the namespace).
func stepIndexOf(name string) (int, bool) {
	if len(name) != 4 {
		return 0, false
	}
	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// ListSteps returns the step indices present on disk, sorted.
func (s *Store) ListSteps() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.state.SessionRoot, StepsDirname))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var steps []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, ok := stepIndexOf(e.Name()); ok {
			steps = append(steps, n)
		}
	}
	sort.Ints(steps)
	return steps, nil
}

// HighestCommittedStep scans the step directories for the largest index
// carrying a committed.ok marker. Returns -1 when none exist.
func (s *Store) HighestCommittedStep() (int, error) {
	steps, err := s.ListSteps()
	if err != nil {
		return -1, err
	}
	highest := -1
	for _, n := range steps {
		if _, err := os.Stat(filepath.Join(s.state.StepDir(n), CommittedMarker)); err == nil {
			if n > highest {
				highest = n
			}
		}
	}
	return highest, nil
}

// committedCanvasPath returns the canvas snapshot for a committed step:
// canvas_after.png for real steps, canvas_initial.png for the seed.
func (s *Store) committedCanvasPath(stepIndex int) string {
	if stepIndex == 0 {
		return filepath.Join(s.state.StepDir(0), CanvasInitialPNG)
	}
	return filepath.Join(s.state.StepDir(stepIndex), CanvasAfterPNG)
}

// Rollback rewinds the session head to an earlier committed step.
//
// # Description
//
// The target step's canvas snapshot becomes canvas_latest.png, the
// state file is rewritten, and every later step directory is renamed
// out of the steps/ namespace (steps/NNNN.rolledback.<unix>) so the
// committed history stays gapless.
func (s *Store) Rollback(toStep int) error {
	if toStep > s.state.StepIndexCurrent {
		return fmt.Errorf("%w: cannot roll forward to step %d from %d",
			ErrCommit, toStep, s.state.StepIndexCurrent)
	}
	snapPath := s.committedCanvasPath(toStep)
	if _, err := os.Stat(filepath.Join(s.state.StepDir(toStep), CommittedMarker)); err != nil {
		return fmt.Errorf("%w: step %d was never committed", ErrCommit, toStep)
	}
	snap, err := os.ReadFile(snapPath)
	if err != nil {
		return fmt.Errorf("%w: reading snapshot: %v", ErrCommit, err)
	}
	img, err := imaging.DecodePNG(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	w, h := imaging.Size(img)

	next := *s.state
	next.CanvasWidthExpected = w
	next.CanvasHeightExpected = h
	next.StepIndexCurrent = toStep
	stateJSON, err := next.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}

	if err := writeFileAtomic(next.CanvasPath(), snap); err != nil {
		return fmt.Errorf("%w: canvas: %v", ErrCommit, err)
	}
	if err := writeFileAtomic(next.StatePath(), stateJSON); err != nil {
		return fmt.Errorf("%w: state: %v", ErrCommit, err)
	}

	steps, err := s.ListSteps()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, n := range steps {
		if n <= toStep {
			continue
		}
		old := s.state.StepDir(n)
		aside := fmt.Sprintf("%s.rolledback.%d", old, now)
		if err := os.Rename(old, aside); err != nil {
			s.log.Warn("Failed to set aside rolled-back step", "step", n, "error", err)
		}
	}

	*s.state = next
	s.log.Info("Rolled back session", "to_step", toStep, "canvas_w", w, "canvas_h", h)
	return nil
}
