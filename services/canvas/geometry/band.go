// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package geometry implements the pure pixel arithmetic of the canvas
// growth pipeline: band extraction, conditioning payload and mask
// construction, patch extraction, dimension projection, and
// compositing. The package performs no I/O and no network calls.
//
// All operations take a Params value as the single source of the tile
// contract and fail loudly on any size violation; nothing here ever
// resizes or re-encodes mismatched input.
package geometry

import (
	"fmt"
	"image"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// ExtractBand crops the conditioning band from the canvas frontier.
//
// # Description
//
// The band is the extremal BandPx-thick strip nearest the growth
// direction: the rightmost strip for DirRight, leftmost for DirLeft,
// bottom for DirDown, top for DirUp. The canvas must be exactly TilePx
// along the non-growing axis and at least BandPx along the growing one.
//
// # Inputs
//
//   - canvas: Current canonical canvas.
//   - dir: Growth direction.
//   - p: Validated geometry parameters.
//
// # Outputs
//
//   - *image.NRGBA: BandPx × TilePx strip (or TilePx × BandPx for
//     vertical growth), copied out of the canvas.
//   - error: ErrGeometry if the canvas is too small for the contract.
func ExtractBand(canvas *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrGeometry, dir)
	}
	w, h := imaging.Size(canvas)

	if dir.Horizontal() {
		if h != p.TilePx {
			return nil, fmt.Errorf("%w: canvas height %d must equal tile size %d", ErrGeometry, h, p.TilePx)
		}
		if w < p.BandPx {
			return nil, fmt.Errorf("%w: canvas width %d too small for band %d", ErrGeometry, w, p.BandPx)
		}
		var box image.Rectangle
		if dir == DirRight {
			box = image.Rect(w-p.BandPx, 0, w, h)
		} else {
			box = image.Rect(0, 0, p.BandPx, h)
		}
		return imaging.Crop(canvas, box)
	}

	if w != p.TilePx {
		return nil, fmt.Errorf("%w: canvas width %d must equal tile size %d", ErrGeometry, w, p.TilePx)
	}
	if h < p.BandPx {
		return nil, fmt.Errorf("%w: canvas height %d too small for band %d", ErrGeometry, h, p.BandPx)
	}
	var box image.Rectangle
	if dir == DirDown {
		box = image.Rect(0, h-p.BandPx, w, h)
	} else {
		box = image.Rect(0, 0, w, p.BandPx)
	}
	return imaging.Crop(canvas, box)
}

// bandRect returns the band's position inside a TilePx² tile: flush
// against the seam (the half-tile split line) on the conditioning side.
func bandRect(dir Direction, p Params) image.Rectangle {
	half := p.HalfPx()
	switch dir {
	case DirRight:
		return image.Rect(half-p.BandPx, 0, half, p.TilePx)
	case DirLeft:
		return image.Rect(half, 0, half+p.BandPx, p.TilePx)
	case DirDown:
		return image.Rect(0, half-p.BandPx, p.TilePx, half)
	default: // DirUp
		return image.Rect(0, half, p.TilePx, half+p.BandPx)
	}
}

// keepRect returns the region inside a tile that must survive a step
// bit-identically under hard conditioning enforcement: the band minus
// its seam-side overlap strip.
func keepRect(dir Direction, p Params) image.Rectangle {
	r := bandRect(dir, p)
	switch dir {
	case DirRight:
		r.Max.X -= p.OverlapPx
	case DirLeft:
		r.Min.X += p.OverlapPx
	case DirDown:
		r.Max.Y -= p.OverlapPx
	default: // DirUp
		r.Min.Y += p.OverlapPx
	}
	return r
}

// expectedBandSize returns the band dimensions the contract demands for
// a direction.
func expectedBandSize(dir Direction, p Params) (int, int) {
	if dir.Horizontal() {
		return p.BandPx, p.TilePx
	}
	return p.TilePx, p.BandPx
}

// checkBandSize verifies a band matches the contract exactly.
func checkBandSize(op string, band *image.NRGBA, dir Direction, p Params) error {
	wantW, wantH := expectedBandSize(dir, p)
	w, h := imaging.Size(band)
	if w != wantW || h != wantH {
		return dimensionError(op, w, h, wantW, wantH)
	}
	return nil
}
