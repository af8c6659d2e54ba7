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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

func testRequest(t *testing.T) Request {
	return testRequestPolarity(t, geometry.PolarityOpaquePreserves)
}

func testRequestPolarity(t *testing.T, pol geometry.MaskPolarity) Request {
	t.Helper()

	p := geometry.Params{
		TilePx:       8,
		BandPx:       4,
		OverlapPx:    2,
		AdvancePx:    4,
		FeatherPx:    2,
		MaskPolarity: pol,
		BlendMode:    geometry.BlendReplace,
	}
	require.NoError(t, p.Validate())

	band := imaging.New(p.BandPx, p.TilePx)
	for i := range band.Pix {
		band.Pix[i] = uint8(i * 31)
	}
	for i := 3; i < len(band.Pix); i += 4 {
		band.Pix[i] = 255
	}

	payload, err := geometry.BuildPayload(band, geometry.DirRight, p)
	require.NoError(t, err)

	return Request{
		Prompt:       "continue the landscape to the right",
		Payload:      payload,
		MaskPolarity: pol,
		TilePx:       p.TilePx,
	}
}

func TestMockClientDeterministic(t *testing.T) {
	req := testRequest(t)

	a, err := (&MockClient{}).GenerateTile(context.Background(), req)
	require.NoError(t, err)
	b, err := (&MockClient{}).GenerateTile(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, imaging.Equal(a, b), "same request must yield the same tile")

	w, h := imaging.Size(a)
	assert.Equal(t, req.TilePx, w)
	assert.Equal(t, req.TilePx, h)

	// Fully preserved pixels carry the reference verbatim. The band's
	// far-edge column has mask alpha 255.
	ref := req.Payload.ReferenceTile
	for y := 0; y < h; y++ {
		off := y * a.Stride
		assert.Equal(t, ref.Pix[y*ref.Stride:y*ref.Stride+4], a.Pix[off:off+4],
			"far band column must be untouched")
	}
}

func TestMockClientMaskPolarity(t *testing.T) {
	opaque := testRequest(t)
	transparent := testRequestPolarity(t, geometry.PolarityTransparentPreserves)

	a, err := (&MockClient{}).GenerateTile(context.Background(), opaque)
	require.NoError(t, err)
	b, err := (&MockClient{}).GenerateTile(context.Background(), transparent)
	require.NoError(t, err)

	// Both polarities mark the same pixel set as preserved and editable,
	// only the alpha encoding flips. The generated tiles must agree.
	assert.True(t, imaging.Equal(a, b), "tile must not depend on the mask's alpha convention")

	// Under transparent-preserves the band carries alpha 0. A client
	// that hard-codes opaque-preserves would scribble over it.
	ref := transparent.Payload.ReferenceTile
	_, h := imaging.Size(b)
	for y := 0; y < h; y++ {
		off := y * b.Stride
		assert.Equal(t, ref.Pix[y*ref.Stride:y*ref.Stride+4], b.Pix[off:off+4],
			"far band column must be untouched")
	}
}

func TestInvertAlpha(t *testing.T) {
	src := imaging.New(2, 1)
	copy(src.Pix, []uint8{10, 20, 30, 0, 40, 50, 60, 200})

	out := invertAlpha(src)

	assert.Equal(t, []uint8{10, 20, 30, 255, 40, 50, 60, 55}, out.Pix)
	assert.Equal(t, uint8(0), src.Pix[3], "source must not be mutated")
}

func TestMockClientFailures(t *testing.T) {
	t.Run("configured failures then success", func(t *testing.T) {
		m := &MockClient{FailTimes: 2}
		req := testRequest(t)

		_, err := m.GenerateTile(context.Background(), req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransient)

		_, err = m.GenerateTile(context.Background(), req)
		require.Error(t, err)

		tile, err := m.GenerateTile(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, tile)
		assert.Equal(t, 3, m.Calls())
	})

	t.Run("size override produces the wrong tile", func(t *testing.T) {
		m := &MockClient{TileOverride: 5}
		tile, err := m.GenerateTile(context.Background(), testRequest(t))
		require.NoError(t, err)
		w, h := imaging.Size(tile)
		assert.Equal(t, 5, w)
		assert.Equal(t, 5, h)
	})

	t.Run("cancelled context is honored", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&MockClient{}).GenerateTile(ctx, testRequest(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureNone},
		{"transient", fmt.Errorf("%w: 503", ErrTransient), FailureTransient},
		{"permanent", fmt.Errorf("%w: bad size", ErrPermanent), FailurePermanent},
		{"decode", fmt.Errorf("%w: truncated", ErrDecode), FailurePermanent},
		{"safety", fmt.Errorf("%w: blocked", ErrSafetyRefusal), FailureSafety},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"unknown", errors.New("mystery"), FailurePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	fastRetry := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}

	t.Run("transient failures are retried to success", func(t *testing.T) {
		m := &MockClient{FailTimes: 2}
		c := WithRetry(m, fastRetry)

		tile, err := c.GenerateTile(context.Background(), testRequest(t))
		require.NoError(t, err)
		require.NotNil(t, tile)
		assert.Equal(t, 3, m.Calls())
	})

	t.Run("attempt budget is enforced", func(t *testing.T) {
		m := &MockClient{FailTimes: 10}
		c := WithRetry(m, fastRetry)

		_, err := c.GenerateTile(context.Background(), testRequest(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, 3, m.Calls())
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		m := &MockClient{FailTimes: 5, Err: fmt.Errorf("%w: bad request", ErrPermanent)}
		c := WithRetry(m, fastRetry)

		_, err := c.GenerateTile(context.Background(), testRequest(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPermanent)
		assert.Equal(t, 1, m.Calls())
	})

	t.Run("safety refusals are not retried", func(t *testing.T) {
		m := &MockClient{FailTimes: 5, Err: fmt.Errorf("%w: moderation", ErrSafetyRefusal)}
		c := WithRetry(m, fastRetry)

		_, err := c.GenerateTile(context.Background(), testRequest(t))
		require.Error(t, err)
		assert.Equal(t, FailureSafety, Classify(err))
		assert.Equal(t, 1, m.Calls())
	})
}
