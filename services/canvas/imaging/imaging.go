// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package imaging provides the shared pixel-buffer conventions for the
// canvas service.
//
// Every canvas, band, tile, and patch in the system is an *image.NRGBA
// whose bounds start at the origin and whose alpha channel is pinned to
// 255. Only the three color channels carry information; the NRGBA layout
// is kept because it round-trips losslessly through the PNG codec and
// composites without premultiplication surprises.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// New returns an opaque image of the given size with all channels zero.
//
// # Inputs
//
//   - w, h: Dimensions in pixels. Must be positive.
//
// # Outputs
//
//   - *image.NRGBA: Origin-based, fully opaque black image.
func New(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	// Pin alpha so byte-level comparisons are meaningful.
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
	return img
}

// Clone returns a deep copy of src, re-based to the origin.
func Clone(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		srcRow := src.Pix[(y)*src.Stride : (y)*src.Stride+b.Dx()*4]
		dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()*4]
		copy(dstRow, srcRow)
	}
	return dst
}

// Crop copies the rectangle r out of src into a new origin-based image.
//
// # Description
//
// Unlike SubImage, the result does not share pixel memory with src, so
// later mutation of either image cannot corrupt the other. r must lie
// entirely within src's bounds.
//
// # Inputs
//
//   - src: Source image (origin-based).
//   - r: Rectangle to copy, in src coordinates.
//
// # Outputs
//
//   - *image.NRGBA: A w×h copy where w,h are r's dimensions.
//   - error: Non-nil if r exceeds src's bounds.
func Crop(src *image.NRGBA, r image.Rectangle) (*image.NRGBA, error) {
	if !r.In(src.Bounds()) {
		return nil, fmt.Errorf("crop %v exceeds bounds %v", r, src.Bounds())
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		srcOff := (r.Min.Y+y)*src.Stride + r.Min.X*4
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+r.Dx()*4], src.Pix[srcOff:srcOff+r.Dx()*4])
	}
	return dst, nil
}

// Paste copies src into dst with src's top-left corner at (x, y).
//
// The pasted region must fit inside dst; Paste never clips or scales.
func Paste(dst, src *image.NRGBA, x, y int) error {
	sb := src.Bounds()
	target := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
	if !target.In(dst.Bounds()) {
		return fmt.Errorf("paste %v exceeds bounds %v", target, dst.Bounds())
	}
	for row := 0; row < sb.Dy(); row++ {
		srcOff := row * src.Stride
		dstOff := (y+row)*dst.Stride + x*4
		copy(dst.Pix[dstOff:dstOff+sb.Dx()*4], src.Pix[srcOff:srcOff+sb.Dx()*4])
	}
	return nil
}

// Equal reports whether a and b have identical dimensions and identical
// pixel bytes. This is the bit-for-bit comparison used by region
// preservation checks; no tolerance is applied.
func Equal(a, b *image.NRGBA) bool {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return false
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
		if !bytes.Equal(ra, rb) {
			return false
		}
	}
	return true
}

// EncodePNG serializes img as PNG bytes.
func EncodePNG(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG parses PNG bytes into the canonical NRGBA representation.
//
// # Description
//
// Accepts any PNG color model and converts to opaque NRGBA. Conversion
// from 8-bit RGB/RGBA sources is lossless; alpha in the source is
// discarded (the system's pixel format has no transparency).
//
// # Outputs
//
//   - *image.NRGBA: Origin-based opaque image.
//   - error: Non-nil if the bytes are not a decodable PNG.
func DecodePNG(data []byte) (*image.NRGBA, error) {
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding png: %w", err)
	}
	return ToNRGBA(decoded), nil
}

// ToNRGBA converts any image to the canonical opaque NRGBA form.
func ToNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		out := Clone(n)
		for i := 3; i < len(out.Pix); i += 4 {
			out.Pix[i] = 0xFF
		}
		return out
	}
	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := y*out.Stride + x*4
			out.Pix[off+0] = uint8(r >> 8)
			out.Pix[off+1] = uint8(g >> 8)
			out.Pix[off+2] = uint8(bl >> 8)
			out.Pix[off+3] = 0xFF
		}
	}
	return out
}

// Size returns the width and height of img.
func Size(img *image.NRGBA) (int, int) {
	return img.Bounds().Dx(), img.Bounds().Dy()
}
