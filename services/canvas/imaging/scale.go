// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Scale resamples src to exactly w by h using Catmull-Rom
// interpolation. Used for previews only; canonical canvas pixels are
// never resampled.
func Scale(src *image.NRGBA, w, h int) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("imaging: scale target %dx%d must be positive", w, h)
	}
	out := New(w, h)
	draw.CatmullRom.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	// Resampling can disturb alpha at the edges; pin it back.
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xFF
	}
	return out, nil
}

// Thumbnail scales src down so its longest side is at most maxPx,
// preserving aspect ratio. Images already within the bound are cloned
// unchanged.
func Thumbnail(src *image.NRGBA, maxPx int) (*image.NRGBA, error) {
	if maxPx <= 0 {
		return nil, fmt.Errorf("imaging: thumbnail bound %d must be positive", maxPx)
	}
	w, h := Size(src)
	if w <= maxPx && h <= maxPx {
		return Clone(src), nil
	}
	if w >= h {
		scaled := h * maxPx / w
		if scaled < 1 {
			scaled = 1
		}
		return Scale(src, maxPx, scaled)
	}
	scaled := w * maxPx / h
	if scaled < 1 {
		scaled = 1
	}
	return Scale(src, scaled, maxPx)
}
