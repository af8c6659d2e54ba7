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
	"image"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// Glue splices a generator tile onto the canvas, producing the next
// canvas.
//
// # Description
//
// The result is AdvancePx larger along the growth axis. Three zones:
//
//   - prior canvas content outside the overlap strip is preserved
//     bit-identically (for DirLeft/DirUp it shifts by AdvancePx);
//   - the OverlapPx frontier strip is replaced by, or feather-blended
//     with, the patch's overlap portion per Params.BlendMode;
//   - the patch's AdvancePx portion is appended beyond the old frontier.
//
// # Inputs
//
//   - canvas: Current canvas; TilePx along the non-growing axis.
//   - tile: Generator output, exactly TilePx².
//   - dir: Growth direction.
//   - p: Validated geometry parameters.
//
// # Outputs
//
//   - *image.NRGBA: The candidate next canvas.
//   - error: ErrGeometry / DimensionError on any size violation.
func Glue(canvas, tile *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrGeometry, dir)
	}
	if err := checkTileSize("glue", tile, p); err != nil {
		return nil, err
	}
	w, h := imaging.Size(canvas)
	if dir.Horizontal() {
		if h != p.TilePx {
			return nil, fmt.Errorf("%w: canvas height %d must equal tile size %d", ErrGeometry, h, p.TilePx)
		}
		if w < p.BandPx {
			return nil, fmt.Errorf("%w: canvas width %d too small for band %d", ErrGeometry, w, p.BandPx)
		}
	} else {
		if w != p.TilePx {
			return nil, fmt.Errorf("%w: canvas width %d must equal tile size %d", ErrGeometry, w, p.TilePx)
		}
		if h < p.BandPx {
			return nil, fmt.Errorf("%w: canvas height %d too small for band %d", ErrGeometry, h, p.BandPx)
		}
	}

	src := tile
	if p.BlendMode == BlendLinear && p.FeatherPx > 0 && p.OverlapPx > 0 {
		blended, err := featherTileOverlap(canvas, tile, dir, p)
		if err != nil {
			return nil, err
		}
		src = blended
	}

	patch, err := ExtractPatch(src, dir, p)
	if err != nil {
		return nil, err
	}

	outW, outH := ExpectedNextSize(w, h, dir, p)
	out := imaging.New(outW, outH)

	var canvasAt, patchAt image.Point
	switch dir {
	case DirRight:
		canvasAt = image.Pt(0, 0)
		patchAt = image.Pt(w-p.OverlapPx, 0)
	case DirLeft:
		canvasAt = image.Pt(p.AdvancePx, 0)
		patchAt = image.Pt(0, 0)
	case DirDown:
		canvasAt = image.Pt(0, 0)
		patchAt = image.Pt(0, h-p.OverlapPx)
	default: // DirUp
		canvasAt = image.Pt(0, p.AdvancePx)
		patchAt = image.Pt(0, 0)
	}

	if err := imaging.Paste(out, canvas, canvasAt.X, canvasAt.Y); err != nil {
		return nil, err
	}
	// Patch goes last: inside the overlap strip the patch wins.
	if err := imaging.Paste(out, patch, patchAt.X, patchAt.Y); err != nil {
		return nil, err
	}
	return out, nil
}

// overlapRects returns the overlap strip's location in the canvas and
// in the tile (conditioning side, flush against the seam).
func overlapRects(canvasW, canvasH int, dir Direction, p Params) (canvasR, tileR image.Rectangle) {
	half := p.HalfPx()
	switch dir {
	case DirRight:
		canvasR = image.Rect(canvasW-p.OverlapPx, 0, canvasW, p.TilePx)
		tileR = image.Rect(half-p.OverlapPx, 0, half, p.TilePx)
	case DirLeft:
		canvasR = image.Rect(0, 0, p.OverlapPx, p.TilePx)
		tileR = image.Rect(half, 0, half+p.OverlapPx, p.TilePx)
	case DirDown:
		canvasR = image.Rect(0, canvasH-p.OverlapPx, p.TilePx, canvasH)
		tileR = image.Rect(0, half-p.OverlapPx, p.TilePx, half)
	default: // DirUp
		canvasR = image.Rect(0, 0, p.TilePx, p.OverlapPx)
		tileR = image.Rect(0, half, p.TilePx, half+p.OverlapPx)
	}
	return canvasR, tileR
}

// featherTileOverlap blends the canvas frontier into the tile's overlap
// strip and returns a new tile carrying the blended strip.
func featherTileOverlap(canvas, tile *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	w, h := imaging.Size(canvas)
	canvasR, tileR := overlapRects(w, h, dir, p)

	oldStrip, err := imaging.Crop(canvas, canvasR)
	if err != nil {
		return nil, err
	}
	newStrip, err := imaging.Crop(tile, tileR)
	if err != nil {
		return nil, err
	}
	blended, err := BlendOverlap(oldStrip, newStrip, dir, p)
	if err != nil {
		return nil, err
	}

	out := imaging.Clone(tile)
	if err := imaging.Paste(out, blended, tileR.Min.X, tileR.Min.Y); err != nil {
		return nil, err
	}
	return out, nil
}

// BlendOverlap composites the old and new overlap strips.
//
// # Description
//
// With BlendReplace the new strip wins wholesale. With BlendLinear the
// old strip dominates, transitioning to the new strip over a
// deterministic linear ramp of FeatherPx at the seam-near edge of the
// overlap (the edge adjacent to freshly generated content). Each color
// channel is blended independently; rounding is half away from zero.
//
// # Inputs
//
//   - oldStrip: Canvas frontier strip, OverlapPx thick.
//   - newStrip: Tile conditioning-side strip, same dimensions.
//   - dir: Growth direction (fixes which edge is seam-near).
//   - p: Validated geometry parameters.
//
// # Outputs
//
//   - *image.NRGBA: Blended strip of the same dimensions.
//   - error: DimensionError when the strips disagree in size.
func BlendOverlap(oldStrip, newStrip *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	ow, oh := imaging.Size(oldStrip)
	nw, nh := imaging.Size(newStrip)
	if ow != nw || oh != nh {
		return nil, dimensionError("blend overlap", nw, nh, ow, oh)
	}
	if p.BlendMode == BlendReplace {
		return imaging.Clone(newStrip), nil
	}

	feather := p.FeatherPx
	if feather <= 0 {
		return imaging.Clone(newStrip), nil
	}
	if dir.Horizontal() && feather > ow {
		feather = ow
	}
	if !dir.Horizontal() && feather > oh {
		feather = oh
	}

	out := imaging.Clone(oldStrip)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			wNew := featherWeight(x, y, ow, oh, feather, dir)
			if wNew == 0 {
				continue
			}
			off := y*out.Stride + x*4
			nOff := y*newStrip.Stride + x*4
			for c := 0; c < 3; c++ {
				o := uint32(out.Pix[off+c])
				n := uint32(newStrip.Pix[nOff+c])
				out.Pix[off+c] = uint8((o*(255-uint32(wNew)) + n*uint32(wNew) + 127) / 255)
			}
		}
	}
	return out, nil
}

// featherWeight returns the new-content weight (0..255) for a pixel in
// the overlap strip. Zero outside the feather band; inside it, a linear
// rise toward the seam-near edge.
func featherWeight(x, y, w, h, feather int, dir Direction) uint8 {
	var i int // 0 at the feather band's far edge, feather-1 at the seam
	switch dir {
	case DirRight:
		i = x - (w - feather)
	case DirLeft:
		i = (feather - 1) - x
	case DirDown:
		i = y - (h - feather)
	default: // DirUp
		i = (feather - 1) - y
	}
	if i < 0 {
		return 0
	}
	denom := feather - 1
	if denom < 1 {
		denom = 1
	}
	return uint8((255*i + denom/2) / denom)
}
