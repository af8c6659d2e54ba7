// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives one growth step end to end: band extraction,
// oracle sampling, conditioning enforcement, glue, artifact logging,
// and the final commit or rejection through the session store.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/exquisite/services/canvas/generator"
	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
	"github.com/AleutianAI/exquisite/services/canvas/prompt"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

// Options tunes step execution. The zero value is usable: one
// candidate, hard conditioning enforcement, a five minute budget.
type Options struct {
	// Candidates is the number of tiles sampled per step; the one with
	// the best seam score wins. Values below 1 mean 1.
	Candidates int

	// StepTimeout bounds one step including all oracle calls and
	// retries. Zero applies DefaultStepTimeout; negative disables the
	// budget.
	StepTimeout time.Duration

	// SkipEnforcement turns off hard conditioning enforcement, leaving
	// band preservation to oracle fidelity. Only useful for inspecting
	// raw generator output.
	SkipEnforcement bool
}

// DefaultStepTimeout bounds a step when Options.StepTimeout is zero.
const DefaultStepTimeout = 5 * time.Minute

// Runner executes growth steps against one session.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent RunStep calls beyond the first
// fail fast with ErrStepInFlight rather than queue, so callers (HTTP
// handlers in particular) never pile up oracle spend behind a slow
// step.
type Runner struct {
	stepGate sync.Mutex
	store    *session.Store
	client   generator.Client
	opts     Options
	log      *slog.Logger
}

// NewRunner builds a Runner over an open session store and an oracle
// client.
func NewRunner(store *session.Store, client generator.Client, opts Options) *Runner {
	if opts.Candidates < 1 {
		opts.Candidates = 1
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	return &Runner{
		store:  store,
		client: client,
		opts:   opts,
		log: slog.Default().With("component", "pipeline",
			"session_id", store.State().SessionID),
	}
}

// RunStep executes one growth step.
//
// # Description
//
// The step either commits (canvas grows by AdvancePx, history gains a
// marker) or rejects (session untouched, step directory records why).
// Phases:
//
//  1. verify the on-disk session is clean (markers, state, canvas)
//  2. load the canvas, derive the next step index
//  3. extract the conditioning band, build payload and prompt
//  4. persist input artifacts (prompt, band, canvas_before)
//  5. sample Candidates tiles from the oracle, enforce conditioning,
//     keep the best seam score
//  6. glue the winner onto the canvas
//  7. persist output artifacts (tile, patch, new half, canvas_after)
//  8. commit
//
// # Outputs
//
//   - *Outcome: Non-nil whenever the step reached a terminal status;
//     rejections are outcomes, not errors.
//   - error: Infrastructure failures only (lock, dirty session, I/O).
func (r *Runner) RunStep(ctx context.Context, userPrompt string) (*Outcome, error) {
	if !r.stepGate.TryLock() {
		return nil, ErrStepInFlight
	}
	defer r.stepGate.Unlock()

	start := time.Now()
	defer func() { stepDuration.Observe(time.Since(start).Seconds()) }()

	if r.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
	}

	if err := r.store.VerifyClean(); err != nil {
		return nil, err
	}

	st := r.store.State()
	canvas, err := r.store.ReadCanvas()
	if err != nil {
		return nil, err
	}
	w0, h0 := imaging.Size(canvas)
	stepIndex := st.StepIndexCurrent + 1
	if err := r.store.PrepareStep(stepIndex); err != nil {
		return nil, err
	}

	out := &Outcome{
		Status:        StatusRejected,
		SessionID:     st.SessionID,
		StepIndex:     stepIndex,
		CanvasBeforeW: w0,
		CanvasBeforeH: h0,
		CanvasAfterW:  w0,
		CanvasAfterH:  h0,
		StepDir:       r.store.StepDir(stepIndex),
		Candidates:    r.opts.Candidates,
	}

	r.enterPhase(out, PhaseExtracting)
	if st.Mode.Horizontal() && h0 != st.TilePx {
		return r.reject(out, RejectBadCanvasSize,
			fmt.Sprintf("canvas height %d must equal tile size %d", h0, st.TilePx))
	}
	if !st.Mode.Horizontal() && w0 != st.TilePx {
		return r.reject(out, RejectBadCanvasSize,
			fmt.Sprintf("canvas width %d must equal tile size %d", w0, st.TilePx))
	}

	band, err := geometry.ExtractBand(canvas, st.Mode, st.Params)
	if err != nil {
		return r.reject(out, RejectBadCanvasSize, err.Error())
	}
	payload, err := geometry.BuildPayload(band, st.Mode, st.Params)
	if err != nil {
		return nil, err
	}
	pr, err := prompt.Build(st.Mode, st.TilePx, userPrompt)
	if err != nil {
		return nil, err
	}
	out.PromptSHA256 = pr.SHA256Hex

	// Inputs land before generation so a crashed step can be diffed.
	if err := r.store.WriteStepArtifact(stepIndex, session.PromptArtifact, []byte(pr.FullPrompt+"\n")); err != nil {
		return nil, err
	}
	if err := r.store.WriteStepImage(stepIndex, session.BandArtifact, band); err != nil {
		return nil, err
	}
	if err := r.store.WriteStepImage(stepIndex, session.CanvasBeforePNG, canvas); err != nil {
		return nil, err
	}
	if err := r.store.WriteStepImage(stepIndex, session.PayloadRefArtifact, payload.ReferenceTile); err != nil {
		return nil, err
	}
	if err := r.store.WriteStepImage(stepIndex, session.PayloadMaskArtifact, payload.Mask); err != nil {
		return nil, err
	}

	r.enterPhase(out, PhaseGenerating)
	req := generator.Request{
		Prompt:       pr.FullPrompt,
		Payload:      payload,
		MaskPolarity: st.MaskPolarity,
		TilePx:       st.TilePx,
	}
	tile, score, rejClass, rejReason := r.sampleCandidates(ctx, req, stepIndex, canvas, band, st, out)
	if tile == nil {
		return r.reject(out, rejClass, rejReason)
	}
	out.SeamScore = score

	r.enterPhase(out, PhaseCompositing)
	canvasNext, err := geometry.Glue(canvas, tile, st.Mode, st.Params)
	if err != nil {
		return r.reject(out, RejectGlue, err.Error())
	}
	w1, h1 := imaging.Size(canvasNext)
	expW, expH := geometry.ExpectedNextSize(w0, h0, st.Mode, st.Params)
	if w1 != expW || h1 != expH {
		return r.reject(out, RejectGlue,
			fmt.Sprintf("glued canvas %dx%d, expected %dx%d", w1, h1, expW, expH))
	}

	r.enterPhase(out, PhaseCommitting)
	if err := r.writeOutputArtifacts(stepIndex, tile, canvasNext, st, out); err != nil {
		return nil, err
	}
	if err := r.store.Commit(stepIndex, canvasNext); err != nil {
		return nil, err
	}

	out.Status = StatusCommitted
	out.CanvasAfterW = w1
	out.CanvasAfterH = h1
	stepsTotal.WithLabelValues(string(StatusCommitted), "").Inc()
	seamScores.Observe(score)
	if st.Mode.Horizontal() {
		canvasPixels.Set(float64(w1))
	} else {
		canvasPixels.Set(float64(h1))
	}
	r.log.Info("Step committed", "step", stepIndex, "score", score,
		"canvas_w", w1, "canvas_h", h1, "duration", time.Since(start))
	return out, nil
}

// sampleCandidates draws up to Candidates tiles and returns the one
// with the best seam score. A nil tile means total failure; the class
// and reason describe the last (or decisive) problem. Every raw tile
// the oracle returns is persisted under the step directory before any
// enforcement touches it.
func (r *Runner) sampleCandidates(
	ctx context.Context,
	req generator.Request,
	stepIndex int,
	canvas, band *image.NRGBA,
	st session.State,
	out *Outcome,
) (best *image.NRGBA, bestScore float64, rejClass, rejReason string) {
	rejClass = RejectGenerator

	for i := 0; i < r.opts.Candidates; i++ {
		r.enterPhase(out, PhaseGenerating)
		tile, err := r.client.GenerateTile(ctx, req)
		if err != nil {
			oracleCalls.WithLabelValues("error").Inc()
			class := generator.Classify(err)
			if class == generator.FailureSafety {
				// No point sampling further candidates of the same prompt.
				return nil, 0, RejectSafety, err.Error()
			}
			rejReason = err.Error()
			r.log.Warn("Candidate generation failed",
				"candidate", i, "class", class, "error", err)
			if ctx.Err() != nil {
				return nil, 0, rejClass, rejReason
			}
			continue
		}
		oracleCalls.WithLabelValues("ok").Inc()
		if err := r.store.WriteStepImage(stepIndex, session.CandidateArtifact(i), tile); err != nil {
			r.log.Warn("Failed to persist candidate", "candidate", i, "error", err)
		}

		r.enterPhase(out, PhaseValidating)
		tw, th := imaging.Size(tile)
		if tw != st.TilePx || th != st.TilePx {
			rejClass = RejectBadTileSize
			rejReason = fmt.Sprintf("oracle returned %dx%d, expected %dx%d", tw, th, st.TilePx, st.TilePx)
			r.log.Warn("Candidate has wrong dimensions",
				"candidate", i, "got_w", tw, "got_h", th)
			continue
		}

		if !r.opts.SkipEnforcement {
			enforced, err := geometry.EnforceConditioning(tile, band, st.Mode, st.Params)
			if err != nil {
				rejReason = err.Error()
				continue
			}
			tile = enforced
		}

		score, err := geometry.SeamScore(canvas, tile, st.Mode, st.Params)
		if err != nil {
			rejReason = err.Error()
			continue
		}
		if best == nil || score > bestScore {
			best = tile
			bestScore = score
		}
	}
	return best, bestScore, rejClass, rejReason
}

// validationRecord is serialized as validation.json in the step
// directory once the winning tile has passed all checks.
type validationRecord struct {
	StepIndex    int     `json:"step_index"`
	Candidates   int     `json:"candidates"`
	SeamScore    float64 `json:"seam_score"`
	Enforced     bool    `json:"conditioning_enforced"`
	PromptSHA256 string  `json:"prompt_sha256"`
	CanvasAfterW int     `json:"canvas_after_w"`
	CanvasAfterH int     `json:"canvas_after_h"`
}

// writeOutputArtifacts persists everything derived from the winning
// tile. All writes happen before the commit marker.
func (r *Runner) writeOutputArtifacts(stepIndex int, tile, canvasNext *image.NRGBA, st session.State, out *Outcome) error {
	if err := r.store.WriteStepImage(stepIndex, session.TileFullArtifact, tile); err != nil {
		return err
	}
	patch, err := geometry.ExtractPatch(tile, st.Mode, st.Params)
	if err != nil {
		return err
	}
	if err := r.store.WriteStepImage(stepIndex, session.TilePatchArtifact, patch); err != nil {
		return err
	}
	_, newHalf, err := geometry.SplitTile(tile, st.Mode, st.Params)
	if err != nil {
		return err
	}
	if err := r.store.WriteStepImage(stepIndex, session.NewHalfArtifact, newHalf); err != nil {
		return err
	}
	if err := r.store.WriteStepImage(stepIndex, session.CanvasAfterPNG, canvasNext); err != nil {
		return err
	}

	w1, h1 := imaging.Size(canvasNext)
	record, err := json.Marshal(validationRecord{
		StepIndex:    stepIndex,
		Candidates:   r.opts.Candidates,
		SeamScore:    out.SeamScore,
		Enforced:     !r.opts.SkipEnforcement,
		PromptSHA256: out.PromptSHA256,
		CanvasAfterW: w1,
		CanvasAfterH: h1,
	})
	if err != nil {
		return err
	}
	return r.store.WriteStepArtifact(stepIndex, session.ValidationArtifact, record)
}

// enterPhase advances the step's phase marker, logging the transition.
func (r *Runner) enterPhase(out *Outcome, p Phase) {
	if out.Phase == p {
		return
	}
	r.log.Debug("Step phase", "step", out.StepIndex, "phase", p)
	out.Phase = p
}

// reject records a terminal rejection. The canonical canvas and state
// are untouched.
func (r *Runner) reject(out *Outcome, class, reason string) (*Outcome, error) {
	out.Status = StatusRejected
	out.Class = class
	out.Reason = reason
	if err := r.store.Reject(out.StepIndex, class, reason); err != nil {
		return nil, err
	}
	stepsTotal.WithLabelValues(string(StatusRejected), class).Inc()
	return out, nil
}
