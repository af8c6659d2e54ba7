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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logDir     string
	jsonLogs   bool

	// session geometry flags (create)
	seedPath     string
	direction    string
	artifactRoot string
	tilePx       int
	bandPx       int
	overlapPx    int
	advancePx    int
	featherPx    int
	maskPolarity string
	blendMode    string

	// step flags
	promptText      string
	candidatesFlag  int
	mockGenerator   bool
	skipEnforcement bool

	// rollback / recover flags
	toStep     int
	repairFlag bool

	// serve flags
	servePort int
	debugMode bool

	rootCmd = &cobra.Command{
		Use:   "exquisite",
		Short: "A cli for growing images one oracle-generated tile at a time",
		Long: `Exquisite grows a seed image along one axis by repeatedly asking an
image-conditioned oracle for the next tile, splicing the new content
onto the canvas while preserving everything already committed,
bit for bit.`,
		SilenceUsage: true,
	}

	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a growth session from a seed image",
		RunE:  runCreate, // Defined in cmd_session.go
	}

	stepCmd = &cobra.Command{
		Use:   "step [session-dir]",
		Short: "Run one growth step against a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runStep, // Defined in cmd_session.go
	}

	statusCmd = &cobra.Command{
		Use:   "status [session-dir]",
		Short: "Print session state and step history",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus, // Defined in cmd_session.go
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback [session-dir]",
		Short: "Roll a session back to an earlier committed step",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback, // Defined in cmd_session.go
	}

	recoverCmd = &cobra.Command{
		Use:   "recover [session-dir]",
		Short: "Check a session for crash damage and optionally repair it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecover, // Defined in cmd_session.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the canvas API over HTTP",
		RunE:  runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (disabled when empty)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON on stderr instead of text")

	createCmd.Flags().StringVar(&seedPath, "seed", "", "Seed PNG path; must be tile-sized on both axes (required)")
	createCmd.Flags().StringVar(&direction, "direction", "right", "Growth direction: right, left, down, up")
	createCmd.Flags().StringVar(&artifactRoot, "root", "", "Artifact root for the new session (default from config)")
	createCmd.Flags().IntVar(&tilePx, "tile-px", 0, "Generator tile side length")
	createCmd.Flags().IntVar(&bandPx, "band-px", 0, "Conditioning band thickness")
	createCmd.Flags().IntVar(&overlapPx, "overlap-px", 0, "Seam overlap thickness")
	createCmd.Flags().IntVar(&advancePx, "advance-px", 0, "Canvas growth per committed step")
	createCmd.Flags().IntVar(&featherPx, "feather-px", 0, "Feather ramp width for linear blending")
	createCmd.Flags().StringVar(&maskPolarity, "mask-polarity", "", "opaque_preserves or transparent_preserves")
	createCmd.Flags().StringVar(&blendMode, "blend-mode", "", "replace or linear")
	createCmd.MarkFlagRequired("seed")

	stepCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "Prompt for the new content (required)")
	stepCmd.Flags().IntVar(&candidatesFlag, "candidates", 0, "Tiles to sample per step; best seam score wins")
	stepCmd.Flags().BoolVar(&mockGenerator, "mock", false, "Use the deterministic in-process oracle")
	stepCmd.Flags().BoolVar(&skipEnforcement, "skip-enforcement", false, "Trust oracle band fidelity instead of enforcing it")
	stepCmd.MarkFlagRequired("prompt")

	rollbackCmd.Flags().IntVar(&toStep, "to-step", -1, "Committed step index to roll back to (required)")
	rollbackCmd.MarkFlagRequired("to-step")

	recoverCmd.Flags().BoolVar(&repairFlag, "repair", false, "Repair detected damage instead of only reporting it")

	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&artifactRoot, "root", "", "Artifact root served by this process (default from config)")
	serveCmd.Flags().BoolVar(&mockGenerator, "mock", false, "Use the deterministic in-process oracle")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable gin debug mode and request logging")

	rootCmd.AddCommand(createCmd, stepCmd, statusCmd, rollbackCmd, recoverCmd, serveCmd)
}
