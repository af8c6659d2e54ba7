// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package geometry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Direction is the growth direction of a session.
//
// The wire values ("x_ltr" etc.) are load-bearing: they appear in
// session_state.json and in step artifact metadata, and must stay stable
// across releases.
type Direction string

const (
	// DirRight grows the canvas rightward (+x). New content appears in
	// the right half of each generated tile.
	DirRight Direction = "x_ltr"

	// DirLeft grows the canvas leftward (-x). Prior content shifts right
	// on every committed step.
	DirLeft Direction = "x_rtl"

	// DirDown grows the canvas downward (+y).
	DirDown Direction = "y_ttb"

	// DirUp grows the canvas upward (-y). Prior content shifts down on
	// every committed step.
	DirUp Direction = "y_btt"
)

// Directions lists every valid growth direction.
var Directions = []Direction{DirRight, DirLeft, DirDown, DirUp}

// Horizontal reports whether the growth axis is x.
func (d Direction) Horizontal() bool {
	return d == DirRight || d == DirLeft
}

// Valid reports whether d is one of the four known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirRight, DirLeft, DirDown, DirUp:
		return true
	}
	return false
}

// ParseDirection accepts both the wire values and the human aliases
// used by the CLI ("right", "left", "down", "up").
func ParseDirection(s string) (Direction, error) {
	switch s {
	case string(DirRight), "right":
		return DirRight, nil
	case string(DirLeft), "left":
		return DirLeft, nil
	case string(DirDown), "down":
		return DirDown, nil
	case string(DirUp), "up":
		return DirUp, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrGeometry, s)
}

// MaskPolarity fixes which alpha pole of the editability mask means
// "preserve exactly".
//
// The planning material for this system assigned opposite meanings to
// the same alpha value in different revisions, so the polarity is an
// explicit, validated field everywhere a mask crosses a boundary. It is
// never inferred from pixel content.
type MaskPolarity string

const (
	// PolarityOpaquePreserves: alpha 255 = preserve exactly, alpha 0 =
	// fully editable. Intermediate alphas grant proportionally less edit
	// permission as they rise. This is the default convention.
	PolarityOpaquePreserves MaskPolarity = "opaque_preserves"

	// PolarityTransparentPreserves is the inverted convention: alpha 0 =
	// preserve exactly, alpha 255 = fully editable.
	PolarityTransparentPreserves MaskPolarity = "transparent_preserves"
)

// Valid reports whether p is a known polarity.
func (p MaskPolarity) Valid() bool {
	return p == PolarityOpaquePreserves || p == PolarityTransparentPreserves
}

// BlendMode selects how the overlap strip is composited during glue.
type BlendMode string

const (
	// BlendReplace overwrites the overlap strip with tile pixels.
	BlendReplace BlendMode = "replace"

	// BlendLinear feathers the seam: a deterministic linear alpha ramp
	// rising 0→1 over FeatherPx at the seam-near edge of the overlap,
	// applied independently per color channel.
	BlendLinear BlendMode = "linear"
)

// Valid reports whether m is a known blend mode.
func (m BlendMode) Valid() bool {
	return m == BlendReplace || m == BlendLinear
}

// Params is the single authoritative source for the pixel-geometry
// constants of a session.
//
// # Description
//
// Every band, tile, patch, and mask dimension in the pipeline derives
// from this struct; no other code carries tile-size literals. The values
// are fixed at session creation, persisted in session_state.json, and
// re-validated on every load.
//
// # Contract
//
// The tile is split at TilePx/2 into a conditioning half and a generated
// half. The conditioning band sits in the conditioning half flush
// against that split line (the seam). The spliced patch straddles the
// seam: OverlapPx from the conditioning side plus AdvancePx from the
// generated side. Each committed step therefore grows the canvas by
// exactly AdvancePx along the growth axis.
type Params struct {
	// TilePx is the side length of the square generator tile.
	TilePx int `json:"tile_px" yaml:"tile_px" validate:"required,gt=0"`

	// BandPx is the conditioning band thickness extracted from the
	// canvas frontier. At most half a tile.
	BandPx int `json:"band_px" yaml:"band_px" validate:"required,gt=0"`

	// OverlapPx is how much existing canvas frontier is re-covered (or
	// blended) by each patch. Strictly less than BandPx.
	OverlapPx int `json:"overlap_px" yaml:"overlap_px" validate:"gte=0"`

	// AdvancePx is the net canvas growth per committed step.
	AdvancePx int `json:"advance_px" yaml:"advance_px" validate:"required,gt=0"`

	// FeatherPx is the width of the linear blend ramp inside the overlap
	// strip. Only meaningful for BlendLinear.
	FeatherPx int `json:"feather_px" yaml:"feather_px" validate:"gte=0"`

	// MaskPolarity fixes the preserve/editable alpha convention.
	MaskPolarity MaskPolarity `json:"mask_polarity" yaml:"mask_polarity" validate:"required"`

	// BlendMode selects hard replacement or feathered blending of the
	// overlap strip.
	BlendMode BlendMode `json:"blend_mode" yaml:"blend_mode" validate:"required"`
}

// DefaultParams returns the production configuration: 1024px tiles, a
// 512px conditioning band, 256px overlap, 512px advance, feathered over
// 128px.
func DefaultParams() Params {
	return Params{
		TilePx:       1024,
		BandPx:       512,
		OverlapPx:    256,
		AdvancePx:    512,
		FeatherPx:    128,
		MaskPolarity: PolarityOpaquePreserves,
		BlendMode:    BlendLinear,
	}
}

// HalfPx is the tile split point between the conditioning half and the
// generated half.
func (p Params) HalfPx() int { return p.TilePx / 2 }

// PatchPx is the thickness of the spliced patch along the growth axis.
func (p Params) PatchPx() int { return p.OverlapPx + p.AdvancePx }

// KeepPx is the thickness of the band region that must survive
// bit-identically through a step: the band minus its overlap strip.
func (p Params) KeepPx() int { return p.BandPx - p.OverlapPx }

// paramsValidate is shared across all Params checks; go-playground
// validators are safe for concurrent use.
var paramsValidate = validator.New()

// Validate checks both the per-field tags and the cross-field geometry
// contract.
//
// # Outputs
//
//   - error: Non-nil (wrapping ErrGeometry) if the parameters cannot
//     describe a consistent tile split.
func (p Params) Validate() error {
	if err := paramsValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrGeometry, err)
	}
	if p.TilePx%2 != 0 {
		return fmt.Errorf("%w: tile_px %d must be even", ErrGeometry, p.TilePx)
	}
	if p.BandPx > p.HalfPx() {
		return fmt.Errorf("%w: band_px %d exceeds half tile %d", ErrGeometry, p.BandPx, p.HalfPx())
	}
	if p.OverlapPx >= p.BandPx {
		return fmt.Errorf("%w: overlap_px %d must be less than band_px %d", ErrGeometry, p.OverlapPx, p.BandPx)
	}
	if p.AdvancePx > p.TilePx-p.HalfPx() {
		return fmt.Errorf("%w: advance_px %d exceeds generated half %d", ErrGeometry, p.AdvancePx, p.TilePx-p.HalfPx())
	}
	if p.FeatherPx > p.OverlapPx {
		return fmt.Errorf("%w: feather_px %d exceeds overlap_px %d", ErrGeometry, p.FeatherPx, p.OverlapPx)
	}
	if !p.MaskPolarity.Valid() {
		return fmt.Errorf("%w: unknown mask polarity %q", ErrGeometry, p.MaskPolarity)
	}
	if !p.BlendMode.Valid() {
		return fmt.Errorf("%w: unknown blend mode %q", ErrGeometry, p.BlendMode)
	}
	return nil
}
