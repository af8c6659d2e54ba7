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

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsTotal counts finished steps by outcome and rejection class.
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exquisite_steps_total",
		Help: "Total growth steps by status and rejection class",
	}, []string{"status", "class"})

	// stepDuration tracks end-to-end step latency including oracle calls
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exquisite_step_duration_seconds",
		Help:    "Growth step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})

	// oracleCalls counts individual generator invocations by outcome
	oracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exquisite_oracle_calls_total",
		Help: "Total generator oracle calls by outcome",
	}, []string{"outcome"})

	// seamScores tracks the seam continuity score of committed tiles
	seamScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exquisite_seam_score",
		Help:    "Sobel seam continuity score of the selected candidate",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// canvasPixels tracks committed canvas size along the growth axis
	canvasPixels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exquisite_canvas_growth_axis_pixels",
		Help: "Canvas extent along the growth axis after the last commit",
	})
)
