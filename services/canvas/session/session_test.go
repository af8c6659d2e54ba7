// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
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

func createTestSession(t *testing.T) *Store {
	t.Helper()
	p := testParams()
	store, err := Create(t.TempDir(), testImage(p.TilePx, p.TilePx, 1), geometry.DirRight, p)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// commitTestStep grows the store's canvas by one fake step, writing the
// artifacts a real pipeline run would.
func commitTestStep(t *testing.T, store *Store, stepIndex int, seed uint8) *image.NRGBA {
	t.Helper()
	st := store.State()
	next := testImage(st.CanvasWidthExpected+st.AdvancePx, st.CanvasHeightExpected, seed)
	require.NoError(t, store.WriteStepImage(stepIndex, CanvasAfterPNG, next))
	require.NoError(t, store.Commit(stepIndex, next))
	return next
}

func TestCreateLayout(t *testing.T) {
	store := createTestSession(t)
	root := store.Root()

	for _, rel := range []string{
		CanvasFilename,
		StateFilename,
		LockFilename,
		filepath.Join(StepsDirname, "0000", CanvasInitialPNG),
		filepath.Join(StepsDirname, "0000", CommittedMarker),
	} {
		_, err := os.Stat(filepath.Join(root, rel))
		assert.NoError(t, err, rel)
	}

	st := store.State()
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, 0, st.StepIndexCurrent)
	assert.Equal(t, st.AdvancePx, st.ExtPx)
	require.NoError(t, st.Validate())

	head, err := store.HighestCommittedStep()
	require.NoError(t, err)
	assert.Equal(t, 0, head)

	canvas, err := store.ReadCanvas()
	require.NoError(t, err)
	assert.True(t, imaging.Equal(canvas, testImage(testParams().TilePx, testParams().TilePx, 1)))
}

func TestCreateRejectsWrongSeed(t *testing.T) {
	p := testParams()
	_, err := Create(t.TempDir(), testImage(7, 8, 1), geometry.DirRight, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, geometry.ErrGeometry)
}

func TestCommitAdvancesHead(t *testing.T) {
	store := createTestSession(t)

	next := commitTestStep(t, store, 1, 9)

	st := store.State()
	assert.Equal(t, 1, st.StepIndexCurrent)
	assert.Equal(t, 12, st.CanvasWidthExpected)

	onDisk, err := store.ReadCanvas()
	require.NoError(t, err)
	assert.True(t, imaging.Equal(onDisk, next))

	assert.True(t, fileExists(filepath.Join(store.StepDir(1), CommittedMarker)))

	// Re-read the state file through a fresh decode.
	data, err := os.ReadFile(filepath.Join(store.Root(), StateFilename))
	require.NoError(t, err)
	reloaded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.StepIndexCurrent)

	t.Run("out of order commit is refused", func(t *testing.T) {
		err := store.Commit(5, next)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCommit)
	})
}

func TestRejectLeavesCanvasUntouched(t *testing.T) {
	store := createTestSession(t)
	before, err := os.ReadFile(filepath.Join(store.Root(), CanvasFilename))
	require.NoError(t, err)

	require.NoError(t, store.Reject(1, "bad_tile_size", "got 900x1024"))

	after, err := os.ReadFile(filepath.Join(store.Root(), CanvasFilename))
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejection must not touch the canonical canvas")

	assert.True(t, fileExists(filepath.Join(store.StepDir(1), RejectedMarker)))
	assert.True(t, fileExists(filepath.Join(store.StepDir(1), RejectedDetail)))

	st := store.State()
	assert.Equal(t, 0, st.StepIndexCurrent)
}

func TestSessionLockExcludesSecondWriter(t *testing.T) {
	store := createTestSession(t)

	_, err := Open(store.Root())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionBusy)

	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	require.NotNil(t, lockErr.Holder)
	assert.Equal(t, os.Getpid(), lockErr.Holder.PID)

	require.NoError(t, store.Close())

	reopened, err := Open(store.Root())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, store.State().SessionID, reopened.State().SessionID)
}

func TestSessionsInDisjointRootsAreIsolated(t *testing.T) {
	p := testParams()
	seed := testImage(p.TilePx, p.TilePx, 1)

	a, err := Create(t.TempDir(), seed, geometry.DirRight, p)
	require.NoError(t, err)
	defer a.Close()
	b, err := Create(t.TempDir(), seed, geometry.DirRight, p)
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.State().SessionID, b.State().SessionID)

	bBefore, err := os.ReadFile(b.State().CanvasPath())
	require.NoError(t, err)

	commitTestStep(t, a, 1, 7)

	bAfter, err := os.ReadFile(b.State().CanvasPath())
	require.NoError(t, err)
	assert.Equal(t, bBefore, bAfter)
	assert.Equal(t, 0, b.State().StepIndexCurrent)
	assert.Equal(t, 1, a.State().StepIndexCurrent)
}

func TestOpenMissingSession(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeStateLegacyExtPx(t *testing.T) {
	legacy := []byte(`{
		"session_id": "legacy-1",
		"session_root": "/tmp/legacy-1",
		"mode": "x_ltr",
		"tile_px": 1024,
		"band_px": 512,
		"overlap_px": 256,
		"ext_px": 512,
		"canvas_width_px_expected": 1024,
		"canvas_height_px_expected": 1024,
		"step_index_current": 3
	}`)

	st, err := DecodeState(legacy)
	require.NoError(t, err)
	assert.Equal(t, 512, st.AdvancePx, "ext_px must backfill advance_px")
	assert.Equal(t, 512, st.ExtPx)
	assert.Equal(t, geometry.PolarityOpaquePreserves, st.MaskPolarity)
	assert.Equal(t, geometry.BlendReplace, st.BlendMode)
	assert.Equal(t, CanvasFilename, st.CanvasFilename)
}

func TestReconstructAfterInterruptedStep(t *testing.T) {
	store := createTestSession(t)
	seedCanvas, err := store.ReadCanvas()
	require.NoError(t, err)

	// Simulate a crash between the state write and the commit marker:
	// step 1's directory exists, canvas and state already advanced, no
	// marker.
	st := store.State()
	phantom := testImage(st.CanvasWidthExpected+st.AdvancePx, st.CanvasHeightExpected, 77)
	require.NoError(t, store.WriteStepImage(1, CanvasAfterPNG, phantom))

	phantomPNG, err := imaging.EncodePNG(phantom)
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(filepath.Join(store.Root(), CanvasFilename), phantomPNG))

	crashed := st
	crashed.CanvasWidthExpected += st.AdvancePx
	crashed.StepIndexCurrent = 1
	crashedJSON, err := crashed.Encode()
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(filepath.Join(store.Root(), StateFilename), crashedJSON))
	require.NoError(t, store.Close())

	reopened, err := Open(store.Root())
	require.NoError(t, err)
	defer reopened.Close()

	report, err := reopened.Reconstruct(false)
	require.NoError(t, err)
	assert.True(t, report.RecoveryRequired)
	assert.Equal(t, 0, report.LastCommitted)
	assert.Equal(t, 1, report.StateStep)
	assert.NotEmpty(t, report.Reasons)
	assert.False(t, report.Repaired)

	assert.ErrorIs(t, reopened.VerifyClean(), ErrRecoveryRequired)

	repaired, err := reopened.Reconstruct(true)
	require.NoError(t, err)
	assert.True(t, repaired.Repaired)

	restored, err := reopened.ReadCanvas()
	require.NoError(t, err)
	assert.True(t, imaging.Equal(restored, seedCanvas),
		"repair must restore the last committed canvas bit-identically")
	assert.Equal(t, 0, reopened.State().StepIndexCurrent)
	assert.True(t, fileExists(filepath.Join(reopened.StepDir(1), RejectedMarker)),
		"the interrupted step must be marked rejected")

	require.NoError(t, reopened.VerifyClean())
}

func TestReconstructDetectsDimensionDrift(t *testing.T) {
	store := createTestSession(t)

	// A state file claiming dimensions the canonical canvas does not
	// have must not sail through verification.
	drifted := store.State()
	drifted.CanvasWidthExpected = 999
	driftedJSON, err := drifted.Encode()
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(drifted.StatePath(), driftedJSON))
	require.NoError(t, store.Close())

	reopened, err := Open(store.Root())
	require.NoError(t, err)
	defer reopened.Close()

	report, err := reopened.Reconstruct(false)
	require.NoError(t, err)
	assert.True(t, report.RecoveryRequired)
	assert.True(t, report.StateDrift)
	assert.NotEmpty(t, report.Reasons)

	assert.ErrorIs(t, reopened.VerifyClean(), ErrStateDrift)

	repaired, err := reopened.Reconstruct(true)
	require.NoError(t, err)
	assert.True(t, repaired.Repaired)
	assert.Equal(t, testParams().TilePx, reopened.State().CanvasWidthExpected)
	require.NoError(t, reopened.VerifyClean())
}

func TestPrepareStepSetsAsideRejectedAttempt(t *testing.T) {
	store := createTestSession(t)
	require.NoError(t, store.WriteStepArtifact(1, PromptArtifact, []byte("first try\n")))
	require.NoError(t, store.Reject(1, "bad_tile_size", "got 5x5"))

	require.NoError(t, store.PrepareStep(1))

	assert.False(t, fileExists(filepath.Join(store.StepDir(1), RejectedMarker)),
		"the index must be reusable without rejection leftovers")
	aside, err := filepath.Glob(store.StepDir(1) + ".rejected.*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	assert.True(t, fileExists(filepath.Join(aside[0], RejectedMarker)))
	assert.True(t, fileExists(filepath.Join(aside[0], PromptArtifact)))

	steps, err := store.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, steps, "the set-aside directory leaves the namespace")

	t.Run("clean index is a no-op", func(t *testing.T) {
		require.NoError(t, store.PrepareStep(2))
	})
}

func TestCommitPublishOrder(t *testing.T) {
	store := createTestSession(t)
	st := store.State()
	first := testImage(st.CanvasWidthExpected+st.AdvancePx, st.CanvasHeightExpected, 9)
	require.NoError(t, store.WriteStepImage(1, CanvasAfterPNG, first))

	var order []string
	atomicWriteHook = func(path string) error {
		order = append(order, filepath.Base(path))
		return nil
	}
	defer func() { atomicWriteHook = nil }()

	require.NoError(t, store.Commit(1, first))
	assert.Equal(t, []string{CanvasFilename, StateFilename, CommittedMarker}, order,
		"commit must publish canvas, then state, then the marker")

	t.Run("state write failure leaves a recoverable directory", func(t *testing.T) {
		second := testImage(st.CanvasWidthExpected+2*st.AdvancePx, st.CanvasHeightExpected, 13)
		require.NoError(t, store.WriteStepImage(2, CanvasAfterPNG, second))
		atomicWriteHook = func(path string) error {
			if filepath.Base(path) == StateFilename {
				return errors.New("disk full")
			}
			return nil
		}

		err := store.Commit(2, second)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCommit)
		atomicWriteHook = nil

		// The canvas was already replaced, but without a marker the
		// head is still step 1 and recovery rewinds to it.
		assert.Equal(t, 1, store.State().StepIndexCurrent)
		report, err := store.Reconstruct(false)
		require.NoError(t, err)
		assert.True(t, report.RecoveryRequired)
		assert.Equal(t, 1, report.LastCommitted)

		repaired, err := store.Reconstruct(true)
		require.NoError(t, err)
		assert.True(t, repaired.Repaired)
		canvas, err := store.ReadCanvas()
		require.NoError(t, err)
		assert.True(t, imaging.Equal(canvas, first))
		require.NoError(t, store.VerifyClean())
	})
}

func TestWatchCanonicalSeesExternalWrite(t *testing.T) {
	store := createTestSession(t)
	events := make(chan ExternalChangeEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.WatchCanonical(ctx, func(ev ExternalChangeEvent) {
		events <- ev
	}))

	st := store.State()
	require.NoError(t, os.WriteFile(st.CanvasPath(), []byte("scribbled by another tool"), 0644))

	select {
	case ev := <-events:
		assert.Equal(t, st.CanvasPath(), ev.Path)
		assert.Equal(t, ChangeWrite, ev.EventType)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher reported no canonical change")
	}
}

func TestReconstructCleanSession(t *testing.T) {
	store := createTestSession(t)
	commitTestStep(t, store, 1, 9)

	report, err := store.Reconstruct(false)
	require.NoError(t, err)
	assert.False(t, report.RecoveryRequired)
	assert.Equal(t, 1, report.LastCommitted)
	require.NoError(t, store.VerifyClean())
}

func TestRollback(t *testing.T) {
	store := createTestSession(t)
	first := commitTestStep(t, store, 1, 9)
	commitTestStep(t, store, 2, 13)
	require.Equal(t, 2, store.State().StepIndexCurrent)

	require.NoError(t, store.Rollback(1))

	st := store.State()
	assert.Equal(t, 1, st.StepIndexCurrent)
	canvas, err := store.ReadCanvas()
	require.NoError(t, err)
	assert.True(t, imaging.Equal(canvas, first))

	steps, err := store.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps, "rolled-back steps leave the namespace")

	require.NoError(t, store.VerifyClean())

	t.Run("rolling back to an uncommitted step fails", func(t *testing.T) {
		err := store.Rollback(7)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCommit)
	})

	t.Run("stepping resumes after rollback", func(t *testing.T) {
		next := commitTestStep(t, store, 2, 21)
		got, err := store.ReadCanvas()
		require.NoError(t, err)
		assert.True(t, imaging.Equal(got, next))
	})
}
