// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt renders the oracle instruction text deterministically.
// The same direction, tile size, and user prompt always produce the
// same string and hash, so committed step metadata can be audited and
// recovery can verify what a step actually asked for.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
)

// Payload is the rendered prompt plus its content hash.
type Payload struct {
	// FullPrompt is the exact string sent to the generator.
	FullPrompt string `json:"full_prompt"`

	// SHA256Hex is the hash of FullPrompt (UTF-8), persisted in step
	// metadata.
	SHA256Hex string `json:"sha256_hex"`
}

// PlacementConvention describes where the conditioning content and the
// new content sit inside a tile, for UI display.
type PlacementConvention struct {
	Direction         geometry.Direction `json:"direction"`
	ConditioningWhere string             `json:"conditioning_where"`
	NewWhere          string             `json:"new_where"`
}

// directionPhrase is the human phrasing of each growth direction.
var directionPhrase = map[geometry.Direction]string{
	geometry.DirRight: "to the right",
	geometry.DirLeft:  "to the left",
	geometry.DirDown:  "downward",
	geometry.DirUp:    "upward",
}

// Normalize applies the determinism policy to raw user text: CRLF
// becomes LF and surrounding whitespace is dropped.
func Normalize(userPrompt string) string {
	return strings.TrimSpace(strings.ReplaceAll(userPrompt, "\r\n", "\n"))
}

// Build renders the full oracle prompt for one step.
//
// # Inputs
//
//   - dir: Growth direction.
//   - tilePx: Side length of the generation tile.
//   - userPrompt: Raw user text; normalized before rendering.
//
// # Outputs
//
//   - Payload: Rendered prompt and its SHA-256 hash.
//   - error: Non-nil for an unknown direction.
func Build(dir geometry.Direction, tilePx int, userPrompt string) (Payload, error) {
	phrase, ok := directionPhrase[dir]
	if !ok {
		return Payload{}, fmt.Errorf("%w: unknown direction %q", geometry.ErrGeometry, dir)
	}

	full := fmt.Sprintf(
		"Extend this image *continuously* %s so that it becomes %dx%d. "+
			"In the new region, satisfy the prompt: %s"+
			" -- This image is being glued back into a larger image, so it is"+
			" important to keep the existing region exactly as is and get a"+
			" close match on those existing pixels.",
		phrase, tilePx, tilePx, Normalize(userPrompt),
	)

	sum := sha256.Sum256([]byte(full))
	return Payload{
		FullPrompt: full,
		SHA256Hex:  hex.EncodeToString(sum[:]),
	}, nil
}

// Placement returns the tile-layout convention for a direction.
func Placement(dir geometry.Direction, p geometry.Params) (PlacementConvention, error) {
	half := p.HalfPx()
	last := p.TilePx - 1
	switch dir {
	case geometry.DirRight:
		return PlacementConvention{
			Direction:         dir,
			ConditioningWhere: fmt.Sprintf("LEFT half (columns 0..%d)", half-1),
			NewWhere:          fmt.Sprintf("RIGHT half (columns %d..%d)", half, last),
		}, nil
	case geometry.DirLeft:
		return PlacementConvention{
			Direction:         dir,
			ConditioningWhere: fmt.Sprintf("RIGHT half (columns %d..%d)", half, last),
			NewWhere:          fmt.Sprintf("LEFT half (columns 0..%d)", half-1),
		}, nil
	case geometry.DirDown:
		return PlacementConvention{
			Direction:         dir,
			ConditioningWhere: fmt.Sprintf("TOP half (rows 0..%d)", half-1),
			NewWhere:          fmt.Sprintf("BOTTOM half (rows %d..%d)", half, last),
		}, nil
	case geometry.DirUp:
		return PlacementConvention{
			Direction:         dir,
			ConditioningWhere: fmt.Sprintf("BOTTOM half (rows %d..%d)", half, last),
			NewWhere:          fmt.Sprintf("TOP half (rows 0..%d)", half-1),
		}, nil
	default:
		return PlacementConvention{}, fmt.Errorf("%w: unknown direction %q", geometry.ErrGeometry, dir)
	}
}
