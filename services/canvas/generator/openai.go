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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
)

// DefaultImageModel is used when no model is configured.
const DefaultImageModel = openai.CreateImageModelGptImage1

// OpenAIConfig configures the OpenAI images/edits adapter.
type OpenAIConfig struct {
	// APIKey overrides key discovery. When empty the key is read from
	// OPENAI_API_KEY, then from the container secret file.
	APIKey string

	// Model is the image model name. Defaults to gpt-image-1.
	Model string

	// BaseURL overrides the API endpoint, e.g. for a local proxy.
	BaseURL string
}

// OpenAIClient calls the OpenAI images/edits endpoint with a reference
// tile and mask.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds the adapter, resolving the API key from the
// config, the environment, or the mounted secret, in that order.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_IMAGE_MODEL")
	}
	if model == "" {
		model = DefaultImageModel
		slog.Warn("OPENAI_IMAGE_MODEL not set, defaulting to gpt-image-1")
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI image client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  model,
	}, nil
}

// GenerateTile implements the Client interface.
//
// # Description
//
// Encodes the reference tile and mask as PNG, posts an images/edits
// request, and decodes the base64 payload of the first candidate. The
// provider is asked for exactly one image per call; best-of-N sampling
// is the pipeline's job so each candidate gets its own budget and
// error classification.
func (o *OpenAIClient) GenerateTile(ctx context.Context, req Request) (*image.NRGBA, error) {
	slog.Debug("Generating tile via OpenAI", "model", o.model, "tile_px", req.TilePx)

	imgPNG, err := imaging.EncodePNG(req.Payload.ReferenceTile)
	if err != nil {
		return nil, fmt.Errorf("%w: encode reference tile: %v", ErrPermanent, err)
	}
	// The edits endpoint treats transparent mask regions as editable;
	// a transparent-preserves mask must be flipped before upload.
	mask := req.Payload.Mask
	if req.MaskPolarity == geometry.PolarityTransparentPreserves {
		mask = invertAlpha(mask)
	}
	maskPNG, err := imaging.EncodePNG(mask)
	if err != nil {
		return nil, fmt.Errorf("%w: encode mask: %v", ErrPermanent, err)
	}

	edit := openai.ImageEditRequest{
		Image:  openai.WrapReader(bytes.NewReader(imgPNG), "reference.png", "image/png"),
		Mask:   openai.WrapReader(bytes.NewReader(maskPNG), "mask.png", "image/png"),
		Prompt: req.Prompt,
		Model:  o.model,
		N:      1,
		Size:   fmt.Sprintf("%dx%d", req.TilePx, req.TilePx),
	}
	// gpt-image-1 always returns base64 and rejects the response_format
	// parameter; dall-e-2 needs it spelled out.
	if o.model == openai.CreateImageModelDallE2 {
		edit.ResponseFormat = openai.CreateImageResponseFormatB64JSON
	}

	resp, err := o.client.CreateEditImage(ctx, edit)
	if err != nil {
		classified := classifyProviderError(err)
		slog.Error("OpenAI image edit failed", "error", err, "class", Classify(classified))
		return nil, classified
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: response carried no images", ErrDecode)
	}
	b64 := resp.Data[0].B64JSON
	if b64 == "" {
		return nil, fmt.Errorf("%w: response carried no base64 payload", ErrDecode)
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	tile, err := imaging.DecodePNG(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return tile, nil
}

// invertAlpha flips the alpha channel; color channels pass through.
func invertAlpha(src *image.NRGBA) *image.NRGBA {
	out := imaging.Clone(src)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 255 - out.Pix[i]
	}
	return out
}

// classifyProviderError wraps a raw transport/API error in the matching
// sentinel.
func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if isSafetyRefusal(apiErr) {
			return fmt.Errorf("%w: %v", ErrSafetyRefusal, err)
		}
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Unrecognized transport failures get one more chance.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// isSafetyRefusal detects moderation blocks across the error shapes the
// API is known to use.
func isSafetyRefusal(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok {
		switch code {
		case "moderation_blocked", "content_policy_violation":
			return true
		}
	}
	if apiErr.Type == "image_generation_user_error" &&
		strings.Contains(strings.ToLower(apiErr.Message), "safety") {
		return true
	}
	return false
}
