// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"image"
	"sync"

	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// MockClient is a deterministic in-process oracle for tests and dry
// runs.
//
// It copies the reference tile verbatim (so the conditioning band
// survives bit-identically) and fills every fully editable pixel with
// a keystream derived from the prompt and the reference pixels: the
// same request always produces the same tile.
type MockClient struct {
	mu    sync.Mutex
	calls int

	// FailTimes makes the next N calls return Err before the client
	// starts succeeding.
	FailTimes int

	// Err is the error returned while FailTimes is positive. Defaults
	// to ErrTransient.
	Err error

	// TileOverride, when positive, forces returned tiles to this side
	// length instead of the requested one. Used to exercise dimension
	// rejection downstream.
	TileOverride int
}

var _ Client = (*MockClient)(nil)

// Calls reports how many times GenerateTile has been invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GenerateTile implements the Client interface.
func (m *MockClient) GenerateTile(ctx context.Context, req Request) (*image.NRGBA, error) {
	m.mu.Lock()
	m.calls++
	if m.FailTimes > 0 {
		m.FailTimes--
		err := m.Err
		m.mu.Unlock()
		if err == nil {
			err = ErrTransient
		}
		return nil, err
	}
	override := m.TileOverride
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := req.TilePx
	if override > 0 {
		size = override
	}

	tile := imaging.New(size, size)
	if req.Payload.ReferenceTile != nil {
		// A smaller forced size still gets as much of the reference as
		// fits; Paste never clips inside bounds, so guard explicitly.
		rw, rh := imaging.Size(req.Payload.ReferenceTile)
		if rw <= size && rh <= size {
			if err := imaging.Paste(tile, req.Payload.ReferenceTile, 0, 0); err != nil {
				return nil, err
			}
		}
	}

	fillEditable(tile, req)
	return tile, nil
}

// fillEditable overwrites every fully editable pixel (mask alpha at the
// editable pole for the request's polarity) with deterministic noise.
// Preserved and ramp pixels keep their reference values.
func fillEditable(tile *image.NRGBA, req Request) {
	seed := sha256.New()
	seed.Write([]byte(req.Prompt))
	if req.Payload.ReferenceTile != nil {
		seed.Write(req.Payload.ReferenceTile.Pix)
	}
	stream := newKeystream(seed.Sum(nil))

	editable := req.editableAlpha()
	mask := req.Payload.Mask
	w, h := imaging.Size(tile)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask != nil && x < mask.Rect.Dx() && y < mask.Rect.Dy() {
				if mask.Pix[y*mask.Stride+x*4+3] != editable {
					continue
				}
			}
			off := y*tile.Stride + x*4
			tile.Pix[off] = stream.next()
			tile.Pix[off+1] = stream.next()
			tile.Pix[off+2] = stream.next()
			tile.Pix[off+3] = 255
		}
	}
}

// keystream expands a seed into an unbounded deterministic byte stream
// by hashing a counter.
type keystream struct {
	seed    []byte
	counter uint64
	buf     []byte
	pos     int
}

func newKeystream(seed []byte) *keystream {
	return &keystream{seed: seed}
}

func (k *keystream) next() uint8 {
	if k.pos >= len(k.buf) {
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], k.counter)
		k.counter++
		sum := sha256.Sum256(append(k.seed, ctr[:]...))
		k.buf = sum[:]
		k.pos = 0
	}
	b := k.buf[k.pos]
	k.pos++
	return b
}
