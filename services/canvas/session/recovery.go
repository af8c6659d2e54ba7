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
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// StepStatus classifies a step directory during reconstruction.
type StepStatus string

const (
	StepCommitted  StepStatus = "committed"
	StepRejected   StepStatus = "rejected"
	StepIncomplete StepStatus = "incomplete"
)

// StepRecord is one step directory's reconstruction verdict.
type StepRecord struct {
	Index  int        `json:"index"`
	Status StepStatus `json:"status"`
}

// Report is the outcome of reconstructing a session from disk.
type Report struct {
	SessionID string `json:"session_id"`

	// LastCommitted is the highest step index in the gapless committed
	// prefix (0 is the seed commit).
	LastCommitted int `json:"last_committed"`

	// StateStep is step_index_current as recorded in the state file.
	StateStep int `json:"state_step"`

	// RecoveryRequired is true when the directory shows evidence of an
	// interrupted or diverged step.
	RecoveryRequired bool `json:"recovery_required"`

	// StateDrift is true when the state file's expected canvas
	// dimensions disagree with the decoded canonical canvas.
	StateDrift bool `json:"state_drift"`

	// Repaired is true when repair mode rewound the session to
	// LastCommitted.
	Repaired bool `json:"repaired"`

	Reasons []string     `json:"reasons,omitempty"`
	Steps   []StepRecord `json:"steps"`
}

// Reconstruct rebuilds the authoritative session view from the step
// markers.
//
// # Description
//
// Commit markers are the source of truth: the session's real head is
// the highest gapless committed step. Everything else (the state file,
// canvas_latest.png, unmarked step directories) is checked against it.
//
// Detected problems:
//
//   - a step directory with neither marker (crash mid-step)
//   - a committed marker beyond a gap (manual tampering)
//   - step_index_current disagreeing with the marker-derived head
//   - canvas_latest.png missing, unreadable, or byte-different from
//     the head step's committed snapshot
//
// # Inputs
//
//   - repair: When true, problems are fixed: the head snapshot is
//     copied back to canvas_latest.png, the state file is rewritten,
//     and unmarked step directories are marked rejected.
//
// # Outputs
//
//   - *Report: Always returned on success, clean or not.
//   - error: Non-nil when the directory cannot be reconstructed at
//     all (e.g. the head snapshot itself is missing).
func (s *Store) Reconstruct(repair bool) (*Report, error) {
	report := &Report{
		SessionID: s.state.SessionID,
		StateStep: s.state.StepIndexCurrent,
	}

	steps, err := s.ListSteps()
	if err != nil {
		return nil, err
	}

	committed := map[int]bool{}
	for _, n := range steps {
		dir := s.state.StepDir(n)
		var status StepStatus
		switch {
		case fileExists(filepath.Join(dir, CommittedMarker)):
			status = StepCommitted
			committed[n] = true
		case fileExists(filepath.Join(dir, RejectedMarker)):
			status = StepRejected
		default:
			status = StepIncomplete
		}
		report.Steps = append(report.Steps, StepRecord{Index: n, Status: status})
	}

	// The head is the gapless committed prefix starting at the seed.
	head := -1
	for committed[head+1] {
		head++
	}
	report.LastCommitted = head
	if head < 0 {
		return nil, fmt.Errorf("%w: no committed seed step", ErrRecoveryRequired)
	}

	for n := range committed {
		if n > head {
			report.flag(fmt.Sprintf("committed marker at step %d beyond gapless head %d", n, head))
		}
	}
	for _, rec := range report.Steps {
		if rec.Status == StepIncomplete && rec.Index > 0 {
			report.flag(fmt.Sprintf("step %d has no outcome marker", rec.Index))
		}
	}
	if s.state.StepIndexCurrent != head {
		report.flag(fmt.Sprintf("state records step %d, markers prove %d", s.state.StepIndexCurrent, head))
	}

	snapPath := s.committedCanvasPath(head)
	snap, err := os.ReadFile(snapPath)
	if err != nil {
		return nil, fmt.Errorf("%w: head snapshot unreadable: %v", ErrRecoveryRequired, err)
	}
	latest, err := os.ReadFile(s.state.CanvasPath())
	switch {
	case err != nil:
		report.flag("canvas_latest.png missing or unreadable")
	case !bytes.Equal(latest, snap):
		// Byte inequality alone can be a benign re-encode; compare
		// pixels before flagging.
		if !samePixels(latest, snap) {
			report.flag("canvas_latest.png diverges from head snapshot")
		}
	}

	// The canonical canvas is ground truth; the state file's expected
	// dimensions must agree with what is actually on disk.
	if err == nil {
		if img, derr := imaging.DecodePNG(latest); derr != nil {
			report.flag("canvas_latest.png undecodable")
		} else if w, h := imaging.Size(img); w != s.state.CanvasWidthExpected || h != s.state.CanvasHeightExpected {
			report.StateDrift = true
			report.flag(fmt.Sprintf("state expects canvas %dx%d, disk has %dx%d",
				s.state.CanvasWidthExpected, s.state.CanvasHeightExpected, w, h))
		}
	}

	if !report.RecoveryRequired {
		return report, nil
	}
	if !repair {
		return report, nil
	}

	img, err := imaging.DecodePNG(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: head snapshot undecodable: %v", ErrRecoveryRequired, err)
	}
	w, h := imaging.Size(img)

	next := *s.state
	next.CanvasWidthExpected = w
	next.CanvasHeightExpected = h
	next.StepIndexCurrent = head
	stateJSON, err := next.Encode()
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(next.CanvasPath(), snap); err != nil {
		return nil, fmt.Errorf("%w: restoring canvas: %v", ErrRecoveryRequired, err)
	}
	if err := writeFileAtomic(next.StatePath(), stateJSON); err != nil {
		return nil, fmt.Errorf("%w: restoring state: %v", ErrRecoveryRequired, err)
	}
	*s.state = next

	for _, rec := range report.Steps {
		if rec.Index <= head {
			continue
		}
		switch rec.Status {
		case StepIncomplete:
			if err := s.Reject(rec.Index, "interrupted", "no outcome marker after crash"); err != nil {
				s.log.Warn("Failed to mark interrupted step", "step", rec.Index, "error", err)
			}
		case StepCommitted:
			// Beyond a gap; set aside like a rollback.
			old := s.state.StepDir(rec.Index)
			if err := os.Rename(old, old+".orphaned"); err != nil {
				s.log.Warn("Failed to set aside orphaned step", "step", rec.Index, "error", err)
			}
		}
	}

	report.Repaired = true
	s.log.Info("Reconstructed session", "head", head, "reasons", report.Reasons)
	return report, nil
}

// VerifyClean returns an error unless the on-disk session is consistent
// with its markers: ErrStateDrift when the metadata's expected canvas
// dimensions disagree with the canonical canvas, ErrRecoveryRequired
// for everything else recovery can resolve.
func (s *Store) VerifyClean() error {
	report, err := s.Reconstruct(false)
	if err != nil {
		return err
	}
	if report.StateDrift {
		return fmt.Errorf("%w: %v", ErrStateDrift, report.Reasons)
	}
	if report.RecoveryRequired {
		return fmt.Errorf("%w: %v", ErrRecoveryRequired, report.Reasons)
	}
	return nil
}

func (r *Report) flag(reason string) {
	r.RecoveryRequired = true
	r.Reasons = append(r.Reasons, reason)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// samePixels decodes two PNG byte slices and compares their pixels.
func samePixels(a, b []byte) bool {
	ia, err := imaging.DecodePNG(a)
	if err != nil {
		return false
	}
	ib, err := imaging.DecodePNG(b)
	if err != nil {
		return false
	}
	return imaging.Equal(ia, ib)
}
