// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/exquisite/services/canvas/generator"
	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

func testParams() geometry.Params {
	return geometry.Params{
		TilePx:       8,
		BandPx:       4,
		OverlapPx:    2,
		AdvancePx:    4,
		FeatherPx:    2,
		MaskPolarity: geometry.PolarityOpaquePreserves,
		BlendMode:    geometry.BlendReplace,
	}
}

func testImage(w, h int, seed uint8) *image.NRGBA {
	img := imaging.New(w, h)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(i) + seed
		img.Pix[i+1] = uint8(i>>2) + seed
		img.Pix[i+2] = seed
		img.Pix[i+3] = 255
	}
	return img
}

func newTestRunner(t *testing.T, client generator.Client, opts Options) (*Runner, *session.Store) {
	t.Helper()
	p := testParams()
	store, err := session.Create(t.TempDir(), testImage(p.TilePx, p.TilePx, 1), geometry.DirRight, p)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRunner(store, client, opts), store
}

func TestRunStepCommit(t *testing.T) {
	runner, store := newTestRunner(t, &generator.MockClient{}, Options{})
	before, err := store.ReadCanvas()
	require.NoError(t, err)

	out, err := runner.RunStep(context.Background(), "a winding river")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, 1, out.StepIndex)
	assert.Equal(t, 8, out.CanvasBeforeW)
	assert.Equal(t, 12, out.CanvasAfterW)
	assert.Equal(t, 8, out.CanvasAfterH)
	assert.Len(t, out.PromptSHA256, 64)
	assert.Empty(t, out.Class)

	st := store.State()
	assert.Equal(t, 1, st.StepIndexCurrent)
	assert.Equal(t, 12, st.CanvasWidthExpected)

	after, err := store.ReadCanvas()
	require.NoError(t, err)
	w1, h1 := imaging.Size(after)
	assert.Equal(t, 12, w1)
	assert.Equal(t, 8, h1)

	// Everything left of the spliced patch survives bit-identically.
	p := testParams()
	keepW := 8 - p.OverlapPx
	kept, err := imaging.Crop(after, image.Rect(0, 0, keepW, 8))
	require.NoError(t, err)
	orig, err := imaging.Crop(before, image.Rect(0, 0, keepW, 8))
	require.NoError(t, err)
	assert.True(t, imaging.Equal(kept, orig))

	for _, name := range []string{
		session.PromptArtifact,
		session.BandArtifact,
		session.CanvasBeforePNG,
		session.PayloadRefArtifact,
		session.PayloadMaskArtifact,
		session.CandidateArtifact(0),
		session.TileFullArtifact,
		session.TilePatchArtifact,
		session.NewHalfArtifact,
		session.CanvasAfterPNG,
		session.ValidationArtifact,
		session.CommittedMarker,
	} {
		_, err := os.Stat(filepath.Join(out.StepDir, name))
		assert.NoError(t, err, "missing step artifact %s", name)
	}
	assert.Equal(t, PhaseCommitting, out.Phase)
}

func TestRunStepSequence(t *testing.T) {
	runner, store := newTestRunner(t, &generator.MockClient{}, Options{})
	for i := 1; i <= 3; i++ {
		out, err := runner.RunStep(context.Background(), "more terrain")
		require.NoError(t, err)
		require.Equal(t, StatusCommitted, out.Status)
		assert.Equal(t, i, out.StepIndex)
	}
	st := store.State()
	assert.Equal(t, 3, st.StepIndexCurrent)
	assert.Equal(t, 8+3*4, st.CanvasWidthExpected)

	steps, err := store.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, steps)
	require.NoError(t, store.VerifyClean())
}

func TestRunStepRejectsBadTileSize(t *testing.T) {
	client := &generator.MockClient{TileOverride: 5}
	runner, store := newTestRunner(t, client, Options{})
	beforeBytes, err := os.ReadFile(filepath.Join(store.Root(), session.CanvasFilename))
	require.NoError(t, err)

	out, err := runner.RunStep(context.Background(), "oversized")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, RejectBadTileSize, out.Class)
	assert.Equal(t, PhaseValidating, out.Phase)
	assert.Equal(t, 1, out.StepIndex)
	assert.Equal(t, out.CanvasBeforeW, out.CanvasAfterW)

	afterBytes, err := os.ReadFile(filepath.Join(store.Root(), session.CanvasFilename))
	require.NoError(t, err)
	assert.Equal(t, beforeBytes, afterBytes)
	assert.Equal(t, 0, store.State().StepIndexCurrent)

	_, err = os.Stat(filepath.Join(out.StepDir, session.RejectedMarker))
	assert.NoError(t, err)
}

func TestRunStepRetryAfterRejectionGetsFreshDir(t *testing.T) {
	client := &generator.MockClient{TileOverride: 5}
	runner, store := newTestRunner(t, client, Options{})

	out, err := runner.RunStep(context.Background(), "first attempt")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)

	client.TileOverride = 0
	out, err = runner.RunStep(context.Background(), "second attempt")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, 1, out.StepIndex)

	// The committed directory must carry exactly one terminal marker;
	// the rejected attempt lives on in a set-aside directory.
	assert.FileExists(t, filepath.Join(out.StepDir, session.CommittedMarker))
	assert.NoFileExists(t, filepath.Join(out.StepDir, session.RejectedMarker))
	assert.NoFileExists(t, filepath.Join(out.StepDir, session.RejectedDetail))

	aside, err := filepath.Glob(out.StepDir + ".rejected.*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	assert.FileExists(t, filepath.Join(aside[0], session.RejectedMarker))

	require.NoError(t, store.VerifyClean())
}

func TestRunStepRejectsGeneratorFailure(t *testing.T) {
	client := &generator.MockClient{FailTimes: 100, Err: generator.ErrPermanent}
	runner, store := newTestRunner(t, client, Options{Candidates: 2})

	out, err := runner.RunStep(context.Background(), "doomed")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, RejectGenerator, out.Class)
	assert.Equal(t, PhaseGenerating, out.Phase)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, 0, store.State().StepIndexCurrent)
}

func TestRunStepSafetyShortCircuits(t *testing.T) {
	client := &generator.MockClient{FailTimes: 5, Err: generator.ErrSafetyRefusal}
	runner, _ := newTestRunner(t, client, Options{Candidates: 3})

	out, err := runner.RunStep(context.Background(), "blocked")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, RejectSafety, out.Class)
	// No further candidates were sampled after the refusal.
	assert.Equal(t, 1, client.Calls())
}

// gatedClient blocks the first call until released so a second RunStep
// can be attempted while the first is mid-flight.
type gatedClient struct {
	inner   generator.Client
	started chan struct{}
	release chan struct{}
	once    bool
}

func (g *gatedClient) GenerateTile(ctx context.Context, req generator.Request) (*image.NRGBA, error) {
	if !g.once {
		g.once = true
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.GenerateTile(ctx, req)
}

func TestRunStepInFlight(t *testing.T) {
	client := &gatedClient{
		inner:   &generator.MockClient{},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner, _ := newTestRunner(t, client, Options{})

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runner.RunStep(context.Background(), "slow step")
		done <- result{out, err}
	}()

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first step never reached the oracle")
	}

	_, err := runner.RunStep(context.Background(), "concurrent step")
	assert.ErrorIs(t, err, ErrStepInFlight)

	close(client.release)
	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, StatusCommitted, res.out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("first step never finished")
	}
}

// seqClient serves pre-built tiles in order, cycling on exhaustion.
type seqClient struct {
	tiles []*image.NRGBA
	calls int
}

func (s *seqClient) GenerateTile(ctx context.Context, req generator.Request) (*image.NRGBA, error) {
	tile := s.tiles[s.calls%len(s.tiles)]
	s.calls++
	return imaging.Clone(tile), nil
}

func TestRunStepPicksBestCandidate(t *testing.T) {
	p := testParams()
	half := p.TilePx / 2
	store, err := session.Create(t.TempDir(), testImage(p.TilePx, p.TilePx, 1), geometry.DirRight, p)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	canvas, err := store.ReadCanvas()
	require.NoError(t, err)

	// The smooth tile continues the canvas frontier across the seam, so
	// its gradient field correlates strongly with the canvas strip. The
	// noisy tile does not.
	smooth := testImage(p.TilePx, p.TilePx, 1)
	frontier, err := imaging.Crop(canvas, image.Rect(p.TilePx-p.OverlapPx, 0, p.TilePx, p.TilePx))
	require.NoError(t, err)
	require.NoError(t, imaging.Paste(smooth, frontier, half, 0))

	noisy := testImage(p.TilePx, p.TilePx, 1)
	for y := 0; y < p.TilePx; y++ {
		for x := half; x < p.TilePx; x++ {
			off := y*noisy.Stride + x*4
			noisy.Pix[off] = uint8(137 * (x ^ y))
			noisy.Pix[off+1] = uint8(91*x + 53*y)
			noisy.Pix[off+2] = uint8(211 * y)
		}
	}

	client := &seqClient{tiles: []*image.NRGBA{noisy, smooth}}
	runner := NewRunner(store, client, Options{Candidates: 2, SkipEnforcement: true})

	out, err := runner.RunStep(context.Background(), "pick the smooth one")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, 2, client.calls)

	wantPatch, err := geometry.ExtractPatch(smooth, geometry.DirRight, p)
	require.NoError(t, err)
	after, err := store.ReadCanvas()
	require.NoError(t, err)
	w1, _ := imaging.Size(after)
	gotPatch, err := imaging.Crop(after, image.Rect(w1-p.OverlapPx-p.AdvancePx, 0, w1, p.TilePx))
	require.NoError(t, err)
	assert.True(t, imaging.Equal(gotPatch, wantPatch))
}

func TestRunStepTimeout(t *testing.T) {
	client := &gatedClient{
		inner:   &generator.MockClient{},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner, store := newTestRunner(t, client, Options{StepTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { close(client.release) })

	out, err := runner.RunStep(context.Background(), "too slow")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, RejectGenerator, out.Class)
	assert.Equal(t, 0, store.State().StepIndexCurrent)
}
