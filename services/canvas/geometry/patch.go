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
	"image"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// SplitTile cuts a generator tile at the seam into its conditioning
// half and its generated half.
//
// The split point is always TilePx/2 regardless of band, overlap, or
// advance settings.
func SplitTile(tile *image.NRGBA, dir Direction, p Params) (cond, generated *image.NRGBA, err error) {
	if err := checkTileSize("split tile", tile, p); err != nil {
		return nil, nil, err
	}
	half := p.HalfPx()

	var condRect, genRect image.Rectangle
	switch dir {
	case DirRight:
		condRect = image.Rect(0, 0, half, p.TilePx)
		genRect = image.Rect(half, 0, p.TilePx, p.TilePx)
	case DirLeft:
		genRect = image.Rect(0, 0, half, p.TilePx)
		condRect = image.Rect(half, 0, p.TilePx, p.TilePx)
	case DirDown:
		condRect = image.Rect(0, 0, p.TilePx, half)
		genRect = image.Rect(0, half, p.TilePx, p.TilePx)
	case DirUp:
		genRect = image.Rect(0, 0, p.TilePx, half)
		condRect = image.Rect(0, half, p.TilePx, p.TilePx)
	default:
		return nil, nil, &DimensionError{Op: "split tile: bad direction"}
	}

	if cond, err = imaging.Crop(tile, condRect); err != nil {
		return nil, nil, err
	}
	if generated, err = imaging.Crop(tile, genRect); err != nil {
		return nil, nil, err
	}
	return cond, generated, nil
}

// patchRect is the seam-straddling crop inside a tile: OverlapPx of the
// conditioning side plus AdvancePx of the generated side.
func patchRect(dir Direction, p Params) image.Rectangle {
	half := p.HalfPx()
	a := half - p.OverlapPx
	b := half + p.AdvancePx
	switch dir {
	case DirRight:
		return image.Rect(a, 0, b, p.TilePx)
	case DirLeft:
		return image.Rect(p.TilePx-b, 0, p.TilePx-a, p.TilePx)
	case DirDown:
		return image.Rect(0, a, p.TilePx, b)
	default: // DirUp
		return image.Rect(0, p.TilePx-b, p.TilePx, p.TilePx-a)
	}
}

// ExtractPatch crops the splice patch from a generator tile.
//
// # Description
//
// The patch straddles the seam: OverlapPx pixels from the conditioning
// half nearest the seam, concatenated with AdvancePx pixels from the
// generated half. Its thickness along the growth axis is PatchPx.
//
// # Outputs
//
//   - *image.NRGBA: PatchPx × TilePx (or TilePx × PatchPx) crop.
//   - error: DimensionError if the tile is not TilePx².
func ExtractPatch(tile *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	if !dir.Valid() {
		return nil, &DimensionError{Op: "extract patch: bad direction"}
	}
	if err := checkTileSize("extract patch", tile, p); err != nil {
		return nil, err
	}
	return imaging.Crop(tile, patchRect(dir, p))
}

// ExpectedNextSize projects the canvas dimensions after one committed
// step: the axis aligned with dir grows by exactly AdvancePx, the
// orthogonal axis is unchanged.
func ExpectedNextSize(w, h int, dir Direction, p Params) (int, int) {
	if dir.Horizontal() {
		return w + p.AdvancePx, h
	}
	return w, h + p.AdvancePx
}
