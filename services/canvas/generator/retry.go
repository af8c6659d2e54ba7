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
	"image"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial wait duration before first retry.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 30s
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// retryClient wraps a Client with transient-failure retries.
type retryClient struct {
	inner Client
	cfg   RetryConfig
}

// WithRetry decorates a Client so transient failures are retried with
// exponential backoff and jitter.
//
// Only errors classified FailureTransient are retried. Permanent
// failures, safety refusals, and context cancellation return
// immediately. The last attempt's error is returned unwrapped so
// callers can still classify it.
func WithRetry(inner Client, cfg RetryConfig) Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &retryClient{inner: inner, cfg: cfg}
}

// GenerateTile implements the Client interface.
func (r *retryClient) GenerateTile(ctx context.Context, req Request) (*image.NRGBA, error) {
	attempt := 0
	op := func() (*image.NRGBA, error) {
		attempt++
		tile, err := r.inner.GenerateTile(ctx, req)
		if err == nil {
			return tile, nil
		}
		if Classify(err) != FailureTransient {
			return nil, backoff.Permanent(err)
		}
		retriesTotal.Inc()
		slog.Warn("Tile generation failed, will retry",
			"attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "error", err)
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff
	eb.MaxElapsedTime = 0 // bounded by attempts and ctx, not wall clock

	var policy backoff.BackOff = backoff.WithContext(eb, ctx)
	policy = backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1))

	return backoff.RetryWithData(op, policy)
}
