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
	"errors"
	"fmt"
)

// Sentinel errors for pixel geometry.
var (
	// ErrGeometry indicates malformed or undersized input to pixel math.
	// This is a programming or configuration defect, never retried.
	ErrGeometry = errors.New("geometry violation")

	// ErrDimensionMismatch indicates an input whose size violates the
	// tile contract. Callers treat it as fatal to the current step only.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// DimensionError reports an exact size violation. The geometry engine
// never silently resizes, crops, or re-encodes mismatched input; the
// offending sizes are surfaced instead.
type DimensionError struct {
	Op    string
	GotW  int
	GotH  int
	WantW int
	WantH int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: got %dx%d, want %dx%d", e.Op, e.GotW, e.GotH, e.WantW, e.WantH)
}

// Unwrap makes errors.Is(err, ErrDimensionMismatch) work.
func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// dimensionError is a construction shorthand.
func dimensionError(op string, gotW, gotH, wantW, wantH int) error {
	return &DimensionError{Op: op, GotW: gotW, GotH: gotH, WantW: wantW, WantH: wantH}
}
