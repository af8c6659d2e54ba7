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

import "errors"

// Status is the terminal state of one growth step.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Phase names the stage a step is in. A committed step walks the full
// sequence; a rejected step's Outcome records the phase it died in.
type Phase string

const (
	PhaseExtracting  Phase = "extracting"
	PhaseGenerating  Phase = "generating"
	PhaseValidating  Phase = "validating"
	PhaseCompositing Phase = "compositing"
	PhaseCommitting  Phase = "committing"
)

// Rejection classes persisted into rejected.json and exported as the
// metrics "class" label.
const (
	RejectBadTileSize   = "bad_tile_size"
	RejectBadCanvasSize = "bad_canvas_size"
	RejectGenerator     = "generator_error"
	RejectSafety        = "safety_refusal"
	RejectGlue          = "glue_error"
)

// ErrStepInFlight is returned when RunStep is called while another
// step for the same session is still executing.
var ErrStepInFlight = errors.New("pipeline: a step is already in flight")

// Outcome summarizes a finished step, committed or rejected.
//
// A rejection is a normal outcome, not an error: the session is left
// exactly as it was and the caller may retry with a new prompt.
type Outcome struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`

	CanvasBeforeW int `json:"canvas_before_w"`
	CanvasBeforeH int `json:"canvas_before_h"`
	CanvasAfterW  int `json:"canvas_after_w"`
	CanvasAfterH  int `json:"canvas_after_h"`

	// StepDir is the artifact directory for this step.
	StepDir string `json:"step_dir"`

	// Phase is the last stage the step entered; "committing" for a
	// committed step, the failing stage for a rejected one.
	Phase Phase `json:"phase"`

	// PromptSHA256 identifies the exact prompt sent to the oracle.
	PromptSHA256 string `json:"prompt_sha256"`

	// SeamScore is the continuity score of the selected candidate;
	// zero when scoring was skipped.
	SeamScore float64 `json:"seam_score"`

	// Candidates is how many tiles were sampled for this step.
	Candidates int `json:"candidates"`

	// Class and Reason are set on rejection.
	Class  string `json:"class,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Committed reports whether the step advanced the session head.
func (o *Outcome) Committed() bool {
	return o.Status == StatusCommitted
}
