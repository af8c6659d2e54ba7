// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the canvas pipeline over HTTP.
//
// One server process owns one artifact root; sessions created or
// opened through the API keep their directory lock for the life of
// the process (or until DELETE releases it), so a second process
// touching the same session fails fast with 409.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/exquisite/services/canvas/generator"
	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
	"github.com/AleutianAI/exquisite/services/canvas/pipeline"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

// ServiceVersion is the canvas service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the canvas service.
type Handlers struct {
	artifactRoot string
	client       generator.Client
	opts         pipeline.Options

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

type sessionHandle struct {
	store       *session.Store
	runner      *pipeline.Runner
	cancelWatch context.CancelFunc

	// externalChange flips when something outside this process touches
	// a canonical session file; the next step re-verifies before it
	// runs instead of trusting in-memory state.
	externalChange atomic.Bool
}

func (hd *sessionHandle) close() error {
	if hd.cancelWatch != nil {
		hd.cancelWatch()
	}
	return hd.store.Close()
}

// NewHandlers creates handlers rooted at artifactRoot, generating
// tiles through client.
func NewHandlers(artifactRoot string, client generator.Client, opts pipeline.Options) *Handlers {
	return &Handlers{
		artifactRoot: artifactRoot,
		client:       client,
		opts:         opts,
		sessions:     make(map[string]*sessionHandle),
	}
}

// CloseAll releases every held session lock. Called on shutdown.
func (h *Handlers) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, hd := range h.sessions {
		if err := hd.close(); err != nil {
			slog.Warn("Failed to close session", "session_id", id, "error", err)
		}
		delete(h.sessions, id)
	}
}

// newSessionHandle wraps an open store with a runner and a watch on the
// canonical files. A failed watch degrades to lock-only protection.
func (h *Handlers) newSessionHandle(store *session.Store) *sessionHandle {
	hd := &sessionHandle{
		store:  store,
		runner: pipeline.NewRunner(store, h.client, h.opts),
	}
	ctx, cancel := context.WithCancel(context.Background())
	err := store.WatchCanonical(ctx, func(ev session.ExternalChangeEvent) {
		hd.externalChange.Store(true)
	})
	if err != nil {
		slog.Warn("Canonical file watch unavailable",
			"session_id", store.State().SessionID, "error", err)
		cancel()
		return hd
	}
	hd.cancelWatch = cancel
	return hd
}

// getSession returns the open handle for id, opening the session
// directory on first use.
func (h *Handlers) getSession(id string) (*sessionHandle, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: session id must be a UUID", session.ErrNotFound)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if hd, ok := h.sessions[id]; ok {
		return hd, nil
	}

	store, err := session.Open(filepath.Join(h.artifactRoot, id))
	if err != nil {
		return nil, err
	}
	// A drifted session still opens; reads are served and steps are
	// refused until it is recovered.
	if report, err := store.Reconstruct(false); err != nil {
		slog.Warn("Session health check failed", "session_id", id, "error", err)
	} else if report.RecoveryRequired {
		slog.Warn("Session needs recovery",
			"session_id", id, "reasons", report.Reasons)
	}
	hd := h.newSessionHandle(store)
	h.sessions[id] = hd
	return hd, nil
}

// HandleCreateSession handles POST /v1/canvas/sessions.
//
// # Description
//
//	Creates a session: decodes the seed PNG, validates geometry, lays
//	out the session directory, and takes its lock.
//
// # Response
//
//	201 Created: SessionResponse
//	400 Bad Request: Malformed body, seed, direction, or geometry
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateSession")

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	dir, err := geometry.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_DIRECTION",
		})
		return
	}

	seedPNG, err := base64.StdEncoding.DecodeString(req.SeedPNGBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "seed_png_base64 is not valid base64",
			Code:  "INVALID_SEED",
		})
		return
	}
	seed, err := imaging.DecodePNG(seedPNG)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "seed_png_base64 is not a decodable PNG",
			Code:  "INVALID_SEED",
		})
		return
	}

	params := req.Params.apply(geometry.DefaultParams())
	store, err := session.Create(h.artifactRoot, seed, dir, params)
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Session creation refused", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	st := store.State()
	h.mu.Lock()
	h.sessions[st.SessionID] = h.newSessionHandle(store)
	h.mu.Unlock()

	logger.Info("Session created", "session_id", st.SessionID, "mode", st.Mode)
	c.JSON(http.StatusCreated, SessionResponse{
		SessionID: st.SessionID,
		Root:      store.Root(),
		State:     st,
	})
}

// HandleGetSession handles GET /v1/canvas/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	st := hd.store.State()
	c.JSON(http.StatusOK, SessionResponse{
		SessionID: st.SessionID,
		Root:      hd.store.Root(),
		State:     st,
	})
}

// HandleGetCanvas handles GET /v1/canvas/sessions/:id/canvas.png,
// serving the canonical canvas bytes verbatim.
func (h *Handlers) HandleGetCanvas(c *gin.Context) {
	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	data, err := os.ReadFile(filepath.Join(hd.store.Root(), session.CanvasFilename))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "canvas read failed",
			Code:  "CANVAS_READ_FAILED",
		})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// HandlePreview handles GET /v1/canvas/sessions/:id/preview.png,
// serving a downsampled canvas for UIs. The canonical bytes are never
// resampled; this endpoint re-encodes.
func (h *Handlers) HandlePreview(c *gin.Context) {
	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	maxPx := 512
	if v := c.Query("max_px"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "max_px must be a positive integer",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		maxPx = n
	}
	canvas, err := hd.store.ReadCanvas()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "canvas read failed",
			Code:  "CANVAS_READ_FAILED",
		})
		return
	}
	thumb, err := imaging.Thumbnail(canvas, maxPx)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	data, err := imaging.EncodePNG(thumb)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "preview encode failed",
			Code:  "PREVIEW_FAILED",
		})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// HandleStep handles POST /v1/canvas/sessions/:id/steps.
//
// # Description
//
//	Runs one growth step. Rejections are successful responses carrying
//	a rejected outcome, because the oracle saying no is a normal part
//	of operation; only infrastructure failures map to error statuses.
//
// # Response
//
//	200 OK: pipeline.Outcome (committed or rejected)
//	404 Not Found: Unknown session
//	409 Conflict: Step in flight, session busy, or recovery required
func (h *Handlers) HandleStep(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStep")

	var req StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	// The watch flags every canonical-file change, including this
	// process's own commits; re-verify and refuse only when the
	// directory is actually damaged.
	if hd.externalChange.Swap(false) {
		if err := hd.store.VerifyClean(); err != nil {
			status, code := statusForError(err)
			logger.Warn("Session diverged on disk", "error", err)
			c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
			return
		}
	}

	out, err := hd.runner.RunStep(c.Request.Context(), req.Prompt)
	if err != nil {
		status, code := statusForError(err)
		logger.Error("Step failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("Step finished", "session_id", out.SessionID,
		"step", out.StepIndex, "status", out.Status, "class", out.Class)
	c.JSON(http.StatusOK, out)
}

// HandleRollback handles POST /v1/canvas/sessions/:id/rollback.
func (h *Handlers) HandleRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	if err := hd.store.Rollback(*req.ToStep); err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	st := hd.store.State()
	c.JSON(http.StatusOK, SessionResponse{
		SessionID: st.SessionID,
		Root:      hd.store.Root(),
		State:     st,
	})
}

// HandleRecover handles POST /v1/canvas/sessions/:id/recover, running
// crash recovery with repair enabled and returning the report.
func (h *Handlers) HandleRecover(c *gin.Context) {
	hd, err := h.getSession(c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	report, err := hd.store.Reconstruct(true)
	if err != nil {
		status, code := statusForError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleCloseSession handles DELETE /v1/canvas/sessions/:id. The
// session directory stays on disk; only the lock is released.
func (h *Handlers) HandleCloseSession(c *gin.Context) {
	id := c.Param("id")
	h.mu.Lock()
	hd, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "session not open",
			Code:  "SESSION_NOT_FOUND",
		})
		return
	}
	if err := hd.close(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "CLOSE_FAILED",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /v1/canvas/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: ServiceVersion})
}

// statusForError maps domain errors to HTTP statuses and stable codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, pipeline.ErrStepInFlight):
		return http.StatusConflict, "STEP_IN_FLIGHT"
	case errors.Is(err, session.ErrRecoveryRequired):
		return http.StatusConflict, "RECOVERY_REQUIRED"
	case errors.Is(err, session.ErrStateDrift):
		return http.StatusConflict, "STATE_DRIFT"
	case errors.Is(err, geometry.ErrGeometry):
		return http.StatusBadRequest, "INVALID_GEOMETRY"
	case errors.Is(err, session.ErrCommit):
		return http.StatusBadRequest, "INVALID_STEP"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
