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

// Payload is the conditioning input sent to the generator: a square
// reference tile with the band embedded in the conditioning half, and
// an editability mask over the same square.
type Payload struct {
	// ReferenceTile is TilePx² with the band placed flush against the
	// seam in the half that dir assigns to conditioning. Pixels outside
	// the band are black.
	ReferenceTile *image.NRGBA

	// Mask is TilePx² with the edit-permission ramp in its alpha
	// channel, interpreted under Params.MaskPolarity. Color channels are
	// zero.
	Mask *image.NRGBA
}

// BuildPayload constructs the reference tile and editability mask for a
// conditioning band.
//
// # Description
//
// The band lands in the conditioning half of the tile, flush against
// the half-tile seam. The mask is fully editable everywhere outside the
// band; across the band thickness it carries a monotone ramp from
// "preserve exactly" at the band's far edge to "fully editable" at the
// seam, so the generator has maximum freedom where new content must
// join old. The ramp's alpha encoding follows p.MaskPolarity.
//
// # Inputs
//
//   - band: Conditioning band; must match the contract size for dir.
//   - dir: Growth direction (decides which half holds the band).
//   - p: Validated geometry parameters.
//
// # Outputs
//
//   - Payload: Reference tile + mask, both TilePx².
//   - error: DimensionError if the band size violates the contract.
func BuildPayload(band *image.NRGBA, dir Direction, p Params) (Payload, error) {
	if !dir.Valid() {
		return Payload{}, &DimensionError{Op: "build payload: bad direction"}
	}
	if err := checkBandSize("build payload", band, dir, p); err != nil {
		return Payload{}, err
	}

	ref := imaging.New(p.TilePx, p.TilePx)
	r := bandRect(dir, p)
	if err := imaging.Paste(ref, band, r.Min.X, r.Min.Y); err != nil {
		return Payload{}, err
	}

	mask := buildMask(dir, p)
	return Payload{ReferenceTile: ref, Mask: mask}, nil
}

// buildMask renders the editability alpha plane for a direction.
func buildMask(dir Direction, p Params) *image.NRGBA {
	mask := image.NewNRGBA(image.Rect(0, 0, p.TilePx, p.TilePx))

	editable := editableAlpha(p.MaskPolarity)
	for i := 3; i < len(mask.Pix); i += 4 {
		mask.Pix[i] = editable
	}

	ramp := preserveRamp(p.BandPx)
	r := bandRect(dir, p)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			// Ramp index 0 is the band edge farthest from the seam.
			var i int
			switch dir {
			case DirRight:
				i = x - r.Min.X
			case DirLeft:
				i = r.Max.X - 1 - x
			case DirDown:
				i = y - r.Min.Y
			default: // DirUp
				i = r.Max.Y - 1 - y
			}
			mask.Pix[y*mask.Stride+x*4+3] = applyPolarity(ramp[i], p.MaskPolarity)
		}
	}
	return mask
}

// preserveRamp returns preserve-strength values (255 = preserve exactly,
// 0 = fully editable) across the band thickness, index 0 at the far
// edge, last index at the seam.
func preserveRamp(length int) []uint8 {
	if length <= 1 {
		return []uint8{255}
	}
	out := make([]uint8, length)
	for i := range out {
		out[i] = uint8(math.Round(255 * (1.0 - float64(i)/float64(length-1))))
	}
	return out
}

// applyPolarity maps a preserve-strength value onto the configured
// alpha convention.
func applyPolarity(preserve uint8, pol MaskPolarity) uint8 {
	if pol == PolarityTransparentPreserves {
		return 255 - preserve
	}
	return preserve
}

// editableAlpha is the alpha value meaning "fully editable" under a
// polarity.
func editableAlpha(pol MaskPolarity) uint8 {
	return applyPolarity(0, pol)
}

// ConditioningRegion crops the band's footprint back out of a TilePx²
// image (a payload reference tile or a generator output).
//
// Under hard conditioning enforcement this region is bit-identical to
// the band that produced the payload.
func ConditioningRegion(tile *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	if err := checkTileSize("conditioning region", tile, p); err != nil {
		return nil, err
	}
	return imaging.Crop(tile, bandRect(dir, p))
}

// EnforceConditioning overwrites a tile's KEEP region (the band minus
// its seam-side overlap strip) with the original band pixels, returning
// a new tile.
//
// # Description
//
// This makes bit-identical preservation of the kept region independent
// of generator fidelity: whatever the oracle returned there is
// discarded. The overlap strip is deliberately left untouched so the
// blend stage can still feather the seam.
//
// # Outputs
//
//   - *image.NRGBA: New tile with the KEEP region restored.
//   - error: DimensionError if tile or band sizes violate the contract.
func EnforceConditioning(tile, band *image.NRGBA, dir Direction, p Params) (*image.NRGBA, error) {
	if err := checkTileSize("enforce conditioning", tile, p); err != nil {
		return nil, err
	}
	if err := checkBandSize("enforce conditioning", band, dir, p); err != nil {
		return nil, err
	}

	keep := keepRect(dir, p)
	if keep.Empty() {
		return imaging.Clone(tile), nil
	}

	// The KEEP region in band coordinates: the band minus its seam-side
	// OverlapPx.
	var src image.Rectangle
	switch dir {
	case DirRight:
		src = image.Rect(0, 0, p.KeepPx(), p.TilePx)
	case DirLeft:
		src = image.Rect(p.BandPx-p.KeepPx(), 0, p.BandPx, p.TilePx)
	case DirDown:
		src = image.Rect(0, 0, p.TilePx, p.KeepPx())
	default: // DirUp
		src = image.Rect(0, p.BandPx-p.KeepPx(), p.TilePx, p.BandPx)
	}

	kept, err := imaging.Crop(band, src)
	if err != nil {
		return nil, err
	}
	out := imaging.Clone(tile)
	if err := imaging.Paste(out, kept, keep.Min.X, keep.Min.Y); err != nil {
		return nil, err
	}
	return out, nil
}

// checkTileSize verifies an image is exactly TilePx².
func checkTileSize(op string, tile *image.NRGBA, p Params) error {
	w, h := imaging.Size(tile)
	if w != p.TilePx || h != p.TilePx {
		return dimensionError(op, w, h, p.TilePx, p.TilePx)
	}
	return nil
}
