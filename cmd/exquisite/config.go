// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"time"

	"github.com/AleutianAI/exquisite/services/canvas/generator"
	"github.com/AleutianAI/exquisite/services/canvas/pipeline"
)

// Config is the optional YAML configuration (--config). Command-line
// flags override individual fields.
type Config struct {
	// ArtifactRoot is where new sessions are created.
	ArtifactRoot string `yaml:"artifact_root"`

	// Generator selects the tile oracle: "openai" (default) or "mock".
	Generator string `yaml:"generator"`

	// Model overrides the image model; empty falls back to the
	// OPENAI_IMAGE_MODEL environment variable, then the default.
	Model string `yaml:"model"`

	// BaseURL points the OpenAI client at a compatible endpoint.
	BaseURL string `yaml:"base_url"`

	// Candidates is how many tiles are sampled per step.
	Candidates int `yaml:"candidates"`

	// StepTimeoutSeconds bounds one step including retries.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`

	// MaxAttempts bounds oracle retries per candidate.
	MaxAttempts int `yaml:"max_attempts"`
}

func (c *Config) applyDefaults() {
	if c.ArtifactRoot == "" {
		c.ArtifactRoot = "sessions"
	}
	if c.Generator == "" {
		c.Generator = "openai"
	}
	if c.Candidates < 1 {
		c.Candidates = 1
	}
}

// pipelineOptions folds config and flags into pipeline options.
func (c *Config) pipelineOptions() pipeline.Options {
	opts := pipeline.Options{Candidates: c.Candidates}
	if candidatesFlag > 0 {
		opts.Candidates = candidatesFlag
	}
	if c.StepTimeoutSeconds > 0 {
		opts.StepTimeout = time.Duration(c.StepTimeoutSeconds) * time.Second
	}
	opts.SkipEnforcement = skipEnforcement
	return opts
}

// buildClient constructs the tile oracle named by config and flags.
func buildClient(c *Config) (generator.Client, error) {
	if mockGenerator || c.Generator == "mock" {
		return &generator.MockClient{}, nil
	}
	inner, err := generator.NewOpenAIClient(generator.OpenAIConfig{
		Model:   c.Model,
		BaseURL: c.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	retry := generator.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	return generator.WithRetry(inner, retry), nil
}
