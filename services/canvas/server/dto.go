// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

// ErrorResponse is the uniform error envelope for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ParamsRequest overrides individual geometry parameters at session
// creation. Unset fields fall back to the defaults.
type ParamsRequest struct {
	TilePx       int    `json:"tile_px,omitempty"`
	BandPx       int    `json:"band_px,omitempty"`
	OverlapPx    int    `json:"overlap_px,omitempty"`
	AdvancePx    int    `json:"advance_px,omitempty"`
	FeatherPx    int    `json:"feather_px,omitempty"`
	MaskPolarity string `json:"mask_polarity,omitempty"`
	BlendMode    string `json:"blend_mode,omitempty"`
}

// apply folds the non-zero overrides into p.
func (r *ParamsRequest) apply(p geometry.Params) geometry.Params {
	if r == nil {
		return p
	}
	if r.TilePx > 0 {
		p.TilePx = r.TilePx
	}
	if r.BandPx > 0 {
		p.BandPx = r.BandPx
	}
	if r.OverlapPx > 0 {
		p.OverlapPx = r.OverlapPx
	}
	if r.AdvancePx > 0 {
		p.AdvancePx = r.AdvancePx
	}
	if r.FeatherPx > 0 {
		p.FeatherPx = r.FeatherPx
	}
	if r.MaskPolarity != "" {
		p.MaskPolarity = geometry.MaskPolarity(r.MaskPolarity)
	}
	if r.BlendMode != "" {
		p.BlendMode = geometry.BlendMode(r.BlendMode)
	}
	return p
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	// Direction accepts the wire values ("x_ltr") and the CLI aliases
	// ("right", "left", "down", "up").
	Direction string `json:"direction" binding:"required"`

	// SeedPNGBase64 is the initial canvas, a base64-encoded PNG whose
	// dimensions must equal tile_px on both axes.
	SeedPNGBase64 string `json:"seed_png_base64" binding:"required"`

	Params *ParamsRequest `json:"params,omitempty"`
}

// SessionResponse describes a session's persisted state.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	Root      string        `json:"root"`
	State     session.State `json:"state"`
}

// StepRequest is the body of POST /v1/sessions/:id/steps.
type StepRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// RollbackRequest is the body of POST /v1/sessions/:id/rollback.
type RollbackRequest struct {
	// ToStep is a pointer so rolling back to the seed (step 0) survives
	// JSON zero-value semantics.
	ToStep *int `json:"to_step" binding:"required"`
}

// HealthResponse is the body of GET /v1/canvas/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
