// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the durable on-disk representation of a canvas
// growth session: the canonical canvas image, the JSON state file, the
// per-step artifact directories with their commit markers, and the
// advisory lock that keeps two writers out of the same directory.
package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
)

// Canonical file names inside a session directory.
const (
	CanvasFilename = "canvas_latest.png"
	StateFilename  = "session_state.json"
	LockFilename   = "session.lock"
	StepsDirname   = "steps"

	// Per-step artifact names.
	CommittedMarker     = "committed.ok"
	RejectedMarker      = "rejected.err"
	RejectedDetail      = "rejected.json"
	PromptArtifact      = "prompt.txt"
	BandArtifact        = "conditioning_band.png"
	CanvasBeforePNG     = "canvas_before.png"
	CanvasAfterPNG      = "canvas_after.png"
	CanvasInitialPNG    = "canvas_initial.png"
	TileFullArtifact    = "tile_full.png"
	TilePatchArtifact   = "tile_patch.png"
	NewHalfArtifact     = "new_half.png"
	PayloadRefArtifact  = "payload_reference.png"
	PayloadMaskArtifact = "payload_mask.png"
	ValidationArtifact  = "validation.json"
)

// CandidateArtifact names the raw tile persisted for candidate i of a
// step, before enforcement.
func CandidateArtifact(i int) string {
	return fmt.Sprintf("candidate_%02d.png", i)
}

// State is the persisted session metadata, serialized as
// session_state.json with stable keys.
//
// The geometry parameters are embedded flat so the file keeps the
// historical key names (tile_px, band_px, ...). ext_px is a legacy
// alias for advance_px kept for older sessions and tools; Normalize
// reconciles the two on load.
type State struct {
	SessionID   string `json:"session_id" validate:"required"`
	SessionRoot string `json:"session_root" validate:"required"`

	CanvasFilename string `json:"canvas_filename"`
	StateFilename  string `json:"session_state_filename"`

	Mode geometry.Direction `json:"mode" validate:"required"`

	geometry.Params

	// ExtPx historically meant growth per step. It must equal
	// AdvancePx going forward.
	ExtPx int `json:"ext_px"`

	CanvasWidthExpected  int `json:"canvas_width_px_expected" validate:"gt=0"`
	CanvasHeightExpected int `json:"canvas_height_px_expected" validate:"gt=0"`

	StepIndexCurrent int `json:"step_index_current" validate:"gte=0"`
}

var stateValidate = validator.New()

// Normalize fills defaults and reconciles legacy fields in place.
func (s *State) Normalize() {
	if s.CanvasFilename == "" {
		s.CanvasFilename = CanvasFilename
	}
	if s.StateFilename == "" {
		s.StateFilename = StateFilename
	}
	if s.AdvancePx == 0 && s.ExtPx > 0 {
		s.AdvancePx = s.ExtPx
	}
	s.ExtPx = s.AdvancePx
	if s.MaskPolarity == "" {
		s.MaskPolarity = geometry.PolarityOpaquePreserves
	}
	if s.BlendMode == "" {
		s.BlendMode = geometry.BlendReplace
	}
}

// Validate checks the state against its envelope and the geometry
// contract. Call Normalize first when the state came off disk.
func (s *State) Validate() error {
	if err := stateValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrStateDrift, err)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrStateDrift, s.Mode)
	}
	if err := s.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateDrift, err)
	}
	if s.ExtPx != s.AdvancePx {
		return fmt.Errorf("%w: ext_px %d disagrees with advance_px %d", ErrStateDrift, s.ExtPx, s.AdvancePx)
	}
	return nil
}

// CanvasPath is the canonical canvas location. Value receiver so the
// path helpers work on State copies returned by Store.State.
func (s State) CanvasPath() string {
	return filepath.Join(s.SessionRoot, s.CanvasFilename)
}

// StatePath is the canonical metadata location.
func (s State) StatePath() string {
	return filepath.Join(s.SessionRoot, s.StateFilename)
}

// StepDir is the artifact directory for one step index.
func (s State) StepDir(stepIndex int) string {
	return filepath.Join(s.SessionRoot, StepsDirname, fmt.Sprintf("%04d", stepIndex))
}

// Encode renders the state as the canonical JSON document: indented,
// trailing newline.
func (s State) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeState parses a session_state.json document and normalizes
// legacy fields. The result is validated.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateDrift, err)
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
