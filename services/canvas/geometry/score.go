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
	"math"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// SeamScore rates how well a generated tile continues the canvas.
//
// # Description
//
// Extracts the canvas frontier strip and the tile's generated-side
// strip flush against the seam, converts both to grayscale, computes
// Sobel gradient magnitudes, weights them by proximity to the seam
// (linear falloff 1.0 to 0.2 across the overlap), and returns the
// cosine similarity of the two weighted gradient fields. Range is
// [0, 1]; higher means edges line up better across the seam. Used to
// rank candidates when a step samples more than one tile.
//
// # Inputs
//
//   - canvas: Current canvas; TilePx along the non-growing axis.
//   - tile: Candidate generator output, exactly TilePx².
//   - dir: Growth direction.
//   - p: Validated geometry parameters.
//
// # Outputs
//
//   - float64: Similarity score; 0 when OverlapPx is zero or either
//     strip is featureless.
//   - error: ErrGeometry / DimensionError on size violations.
func SeamScore(canvas, tile *image.NRGBA, dir Direction, p Params) (float64, error) {
	if err := checkTileSize("seam score", tile, p); err != nil {
		return 0, err
	}
	if p.OverlapPx == 0 {
		return 0, nil
	}
	w, h := imaging.Size(canvas)
	half := p.HalfPx()

	var canvasR, tileR image.Rectangle
	switch dir {
	case DirRight:
		canvasR = image.Rect(w-p.OverlapPx, 0, w, p.TilePx)
		tileR = image.Rect(half, 0, half+p.OverlapPx, p.TilePx)
	case DirLeft:
		canvasR = image.Rect(0, 0, p.OverlapPx, p.TilePx)
		tileR = image.Rect(half-p.OverlapPx, 0, half, p.TilePx)
	case DirDown:
		canvasR = image.Rect(0, h-p.OverlapPx, p.TilePx, h)
		tileR = image.Rect(0, half, p.TilePx, half+p.OverlapPx)
	case DirUp:
		canvasR = image.Rect(0, 0, p.TilePx, p.OverlapPx)
		tileR = image.Rect(0, half-p.OverlapPx, p.TilePx, half)
	default:
		return 0, dimensionError("seam score", w, h, p.TilePx, p.TilePx)
	}

	cStrip, err := imaging.Crop(canvas, canvasR)
	if err != nil {
		return 0, err
	}
	tStrip, err := imaging.Crop(tile, tileR)
	if err != nil {
		return 0, err
	}

	cEdges := sobelMagnitude(grayF64(cStrip))
	tEdges := sobelMagnitude(grayF64(tStrip))
	weights := seamWeights(cEdges.w, cEdges.h, dir)

	var dot, cNorm, tNorm float64
	for i := range cEdges.pix {
		cv := cEdges.pix[i] * weights[i]
		tv := tEdges.pix[i] * weights[i]
		dot += cv * tv
		cNorm += cv * cv
		tNorm += tv * tv
	}
	denom := math.Sqrt(cNorm) * math.Sqrt(tNorm)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}

// grayField is a float grayscale plane in row-major order.
type grayField struct {
	w, h int
	pix  []float64
}

func (g grayField) at(x, y int) float64 {
	// Edge-replicate out-of-range samples.
	if x < 0 {
		x = 0
	} else if x >= g.w {
		x = g.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.h {
		y = g.h - 1
	}
	return g.pix[y*g.w+x]
}

func grayF64(img *image.NRGBA) grayField {
	w, h := imaging.Size(img)
	g := grayField{w: w, h: h, pix: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*img.Stride + x*4
			r := float64(img.Pix[off])
			gg := float64(img.Pix[off+1])
			b := float64(img.Pix[off+2])
			g.pix[y*w+x] = (0.299*r + 0.587*gg + 0.114*b) / 255.0
		}
	}
	return g
}

// sobelMagnitude applies 3x3 Sobel operators with edge-replicated
// padding and returns the gradient magnitude plane.
func sobelMagnitude(g grayField) grayField {
	out := grayField{w: g.w, h: g.h, pix: make([]float64, g.w*g.h)}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			gx := -g.at(x-1, y-1) + g.at(x+1, y-1) +
				-2*g.at(x-1, y) + 2*g.at(x+1, y) +
				-g.at(x-1, y+1) + g.at(x+1, y+1)
			gy := -g.at(x-1, y-1) - 2*g.at(x, y-1) - g.at(x+1, y-1) +
				g.at(x-1, y+1) + 2*g.at(x, y+1) + g.at(x+1, y+1)
			out.pix[y*g.w+x] = math.Sqrt(gx*gx + gy*gy)
		}
	}
	return out
}

// seamWeights builds the per-pixel weight plane: 1.0 at the seam edge
// of the strip falling off linearly to 0.2 at the far edge.
func seamWeights(w, h int, dir Direction) []float64 {
	n := w
	if !dir.Horizontal() {
		n = h
	}
	ramp := make([]float64, n)
	for i := range ramp {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		ramp[i] = 1.0 - 0.8*t
	}
	if dir == DirLeft || dir == DirUp {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			ramp[i], ramp[j] = ramp[j], ramp[i]
		}
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if dir.Horizontal() {
				out[y*w+x] = ramp[x]
			} else {
				out[y*w+x] = ramp[y]
			}
		}
	}
	return out
}
