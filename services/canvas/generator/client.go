// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator abstracts the image-conditioned generation oracle
// behind a narrow interface. The pipeline never speaks to a provider
// directly; it hands over a prompt plus a reference tile and mask, and
// gets back a square tile or a classified error.
package generator

import (
	"context"
	"image"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
)

// Request describes a single oracle invocation.
type Request struct {
	// Prompt is the fully rendered instruction text.
	Prompt string

	// Payload carries the reference tile (conditioning band in place,
	// rest blank) and the editable-region mask.
	Payload geometry.Payload

	// MaskPolarity fixes which alpha pole of the mask means preserve.
	// Empty is read as opaque-preserves.
	MaskPolarity geometry.MaskPolarity

	// TilePx is the expected side length of the returned square tile.
	TilePx int
}

// editableAlpha returns the mask alpha value that marks a fully
// editable pixel under the request's polarity.
func (r Request) editableAlpha() uint8 {
	if r.MaskPolarity == geometry.PolarityTransparentPreserves {
		return 255
	}
	return 0
}

// Client is the generation oracle.
//
// Implementations must treat the request as read-only, honor ctx
// cancellation, and return errors wrapping one of this package's
// sentinels so callers can classify them. The returned tile is not
// guaranteed to be TilePx²; the caller validates dimensions.
type Client interface {
	GenerateTile(ctx context.Context, req Request) (*image.NRGBA, error)
}
