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
)

// Sentinel errors classifying oracle failures. Callers branch on these
// with errors.Is; the concrete cause stays wrapped underneath.
var (
	// ErrTransient marks failures worth retrying: rate limits, 5xx
	// responses, network flakes, timeouts.
	ErrTransient = errors.New("generator: transient failure")

	// ErrPermanent marks failures that will not succeed on retry:
	// malformed requests, auth problems, unsupported parameters.
	ErrPermanent = errors.New("generator: permanent failure")

	// ErrSafetyRefusal marks requests declined by the provider's
	// content safety system. Never retried; surfaced to the operator.
	ErrSafetyRefusal = errors.New("generator: refused by safety system")

	// ErrDecode marks a response whose payload could not be decoded
	// into a usable image.
	ErrDecode = errors.New("generator: undecodable image payload")
)

// FailureClass is the retry-relevant category of a generation error.
type FailureClass string

const (
	FailureNone      FailureClass = "none"
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
	FailureSafety    FailureClass = "safety"
)

// Classify maps an error from a Client into its failure class.
//
// Safety refusals are reported distinctly so callers can stop a whole
// session rather than burn retries. Anything unrecognized is treated as
// permanent; only errors explicitly tagged transient are retried.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrSafetyRefusal):
		return FailureSafety
	case errors.Is(err, ErrTransient):
		return FailureTransient
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailurePermanent
	}
}
