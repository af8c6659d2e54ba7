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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all canvas routes with the router.
//
// Description:
//
//	Registers all /v1/canvas/* endpoints with the given Gin router
//	group. The router group should already have any required
//	middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/canvas/sessions - Create a session
//	GET    /v1/canvas/sessions/:id - Session state
//	DELETE /v1/canvas/sessions/:id - Release the session lock
//	GET    /v1/canvas/sessions/:id/canvas.png - Canonical canvas bytes
//	GET    /v1/canvas/sessions/:id/preview.png - Downsampled canvas preview
//	POST   /v1/canvas/sessions/:id/steps - Run one growth step
//	POST   /v1/canvas/sessions/:id/rollback - Roll back to a committed step
//	POST   /v1/canvas/sessions/:id/recover - Crash recovery with repair
//	GET    /v1/canvas/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	canvas := rg.Group("/canvas")
	{
		canvas.POST("/sessions", handlers.HandleCreateSession)
		canvas.GET("/sessions/:id", handlers.HandleGetSession)
		canvas.DELETE("/sessions/:id", handlers.HandleCloseSession)
		canvas.GET("/sessions/:id/canvas.png", handlers.HandleGetCanvas)
		canvas.GET("/sessions/:id/preview.png", handlers.HandlePreview)
		canvas.POST("/sessions/:id/steps", handlers.HandleStep)
		canvas.POST("/sessions/:id/rollback", handlers.HandleRollback)
		canvas.POST("/sessions/:id/recover", handlers.HandleRecover)

		canvas.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds a ready-to-serve engine: recovery middleware, the
// /v1 route tree, and the Prometheus scrape endpoint.
func NewRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
