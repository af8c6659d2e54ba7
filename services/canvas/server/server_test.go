// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/exquisite/services/canvas/generator"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
	"github.com/AleutianAI/exquisite/services/canvas/pipeline"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testParamsRequest() *ParamsRequest {
	return &ParamsRequest{
		TilePx:    8,
		BandPx:    4,
		OverlapPx: 2,
		AdvancePx: 4,
		FeatherPx: 2,
	}
}

func seedBase64(t *testing.T, size int) string {
	t.Helper()
	img := imaging.New(size, size)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(i)
		img.Pix[i+3] = 255
	}
	data, err := imaging.EncodePNG(img)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Handlers) {
	t.Helper()
	handlers := NewHandlers(t.TempDir(), &generator.MockClient{}, pipeline.Options{})
	t.Cleanup(handlers.CloseAll)
	return NewRouter(handlers), handlers
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) SessionResponse {
	t.Helper()
	w := doJSON(t, router, "POST", "/v1/canvas/sessions", CreateSessionRequest{
		Direction:     "right",
		SeedPNGBase64: seedBase64(t, 8),
		Params:        testParamsRequest(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := doJSON(t, router, "GET", "/v1/canvas/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandlers_HandleCreateSession(t *testing.T) {
	router, _ := setupTestRouter(t)

	resp := createSession(t, router)
	_, err := uuid.Parse(resp.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, 8, resp.State.TilePx)
	assert.Equal(t, 0, resp.State.StepIndexCurrent)
}

func TestHandlers_HandleCreateSession_Invalid(t *testing.T) {
	router, _ := setupTestRouter(t)

	t.Run("bad direction", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/canvas/sessions", CreateSessionRequest{
			Direction:     "sideways",
			SeedPNGBase64: seedBase64(t, 8),
			Params:        testParamsRequest(),
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_DIRECTION", resp.Code)
	})

	t.Run("bad base64", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/canvas/sessions", CreateSessionRequest{
			Direction:     "right",
			SeedPNGBase64: "not base64!!!",
			Params:        testParamsRequest(),
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("seed does not match tile size", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/canvas/sessions", CreateSessionRequest{
			Direction:     "right",
			SeedPNGBase64: seedBase64(t, 10),
			Params:        testParamsRequest(),
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_GEOMETRY", resp.Code)
	})

	t.Run("missing body fields", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/canvas/sessions", map[string]string{})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlers_HandleStep(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/steps",
		StepRequest{Prompt: "rolling hills"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, pipeline.StatusCommitted, out.Status)
	assert.Equal(t, 1, out.StepIndex)
	assert.Equal(t, 12, out.CanvasAfterW)

	// The canonical canvas grew.
	wc := doJSON(t, router, "GET", "/v1/canvas/sessions/"+sess.SessionID+"/canvas.png", nil)
	require.Equal(t, http.StatusOK, wc.Code)
	assert.Equal(t, "image/png", wc.Header().Get("Content-Type"))
	img, err := imaging.DecodePNG(wc.Body.Bytes())
	require.NoError(t, err)
	cw, ch := imaging.Size(img)
	assert.Equal(t, 12, cw)
	assert.Equal(t, 8, ch)
}

func TestHandlers_HandleStep_ExternalCanvasChange(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	// Another process replaces the canonical canvas with one whose
	// dimensions no longer match the recorded state.
	scribble, err := imaging.EncodePNG(imaging.New(4, 4))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(sess.Root, session.CanvasFilename), scribble, 0o644))

	w := doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/steps",
		StepRequest{Prompt: "rolling hills"})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "STATE_DRIFT", errResp.Code)

	// Recovery restores the committed snapshot, after which stepping
	// works again.
	w = doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/recover", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report session.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Repaired)

	w = doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/steps",
		StepRequest{Prompt: "rolling hills"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandlers_HandlePreview(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "GET", "/v1/canvas/sessions/"+sess.SessionID+"/preview.png?max_px=4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	img, err := imaging.DecodePNG(w.Body.Bytes())
	require.NoError(t, err)
	pw, ph := imaging.Size(img)
	assert.Equal(t, 4, pw)
	assert.Equal(t, 4, ph)

	w = doJSON(t, router, "GET", "/v1/canvas/sessions/"+sess.SessionID+"/preview.png?max_px=zero", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_HandleStep_MissingPrompt(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/steps",
		map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_UnknownSession(t *testing.T) {
	router, _ := setupTestRouter(t)

	t.Run("valid uuid, no session", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/v1/canvas/sessions/"+uuid.NewString(), nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("non-uuid id", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/v1/canvas/sessions/not-a-uuid", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandlers_HandleRollback(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/steps",
		StepRequest{Prompt: "step one"})
	require.Equal(t, http.StatusOK, w.Code)

	zero := 0
	w = doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/rollback",
		RollbackRequest{ToStep: &zero})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.State.StepIndexCurrent)

	// Rolling forward is refused.
	five := 5
	w = doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/rollback",
		RollbackRequest{ToStep: &five})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "INVALID_STEP", errResp.Code)
}

func TestHandlers_HandleRecover(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "POST", "/v1/canvas/sessions/"+sess.SessionID+"/recover", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report session.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.RecoveryRequired)
	assert.Equal(t, 0, report.LastCommitted)
}

func TestHandlers_HandleCloseSession(t *testing.T) {
	router, _ := setupTestRouter(t)
	sess := createSession(t, router)

	w := doJSON(t, router, "DELETE", "/v1/canvas/sessions/"+sess.SessionID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// The lock is released: the session can be opened directly.
	store, err := session.Open(sess.Root)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Closing twice reports not found.
	w = doJSON(t, router, "DELETE", "/v1/canvas/sessions/"+sess.SessionID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_MetricsEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)
	req, err := http.NewRequest("GET", "/metrics", nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
