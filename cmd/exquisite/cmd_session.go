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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
	"github.com/AleutianAI/exquisite/services/canvas/imaging"
	"github.com/AleutianAI/exquisite/services/canvas/pipeline"
	"github.com/AleutianAI/exquisite/services/canvas/session"
)

// createParams folds the create flags over the defaults.
func createParams() geometry.Params {
	p := geometry.DefaultParams()
	if tilePx > 0 {
		p.TilePx = tilePx
	}
	if bandPx > 0 {
		p.BandPx = bandPx
	}
	if overlapPx > 0 {
		p.OverlapPx = overlapPx
	}
	if advancePx > 0 {
		p.AdvancePx = advancePx
	}
	if featherPx > 0 {
		p.FeatherPx = featherPx
	}
	if maskPolarity != "" {
		p.MaskPolarity = geometry.MaskPolarity(maskPolarity)
	}
	if blendMode != "" {
		p.BlendMode = geometry.BlendMode(blendMode)
	}
	return p
}

func runCreate(cmd *cobra.Command, args []string) error {
	seedPNG, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("reading seed: %w", err)
	}
	seed, err := imaging.DecodePNG(seedPNG)
	if err != nil {
		return fmt.Errorf("decoding seed: %w", err)
	}
	dir, err := geometry.ParseDirection(direction)
	if err != nil {
		return err
	}

	root := artifactRoot
	if root == "" {
		root = config.ArtifactRoot
	}
	store, err := session.Create(root, seed, dir, createParams())
	if err != nil {
		return err
	}
	defer store.Close()

	st := store.State()
	fmt.Printf("Created session %s\n", st.SessionID)
	fmt.Printf("  root:      %s\n", store.Root())
	fmt.Printf("  direction: %s\n", st.Mode)
	fmt.Printf("  tile:      %dpx (band %d, overlap %d, advance %d)\n",
		st.TilePx, st.BandPx, st.OverlapPx, st.AdvancePx)
	return nil
}

func runStep(cmd *cobra.Command, args []string) error {
	store, err := session.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := buildClient(&config)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(store, client, config.pipelineOptions())

	out, err := runner.RunStep(cmd.Context(), promptText)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := session.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.Reconstruct(false)
	if err != nil {
		return err
	}
	return printJSON(struct {
		State  session.State   `json:"state"`
		Report *session.Report `json:"report"`
	}{store.State(), report})
}

func runRollback(cmd *cobra.Command, args []string) error {
	store, err := session.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Rollback(toStep); err != nil {
		return err
	}
	st := store.State()
	fmt.Printf("Rolled back to step %d (canvas %dx%d)\n",
		st.StepIndexCurrent, st.CanvasWidthExpected, st.CanvasHeightExpected)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	store, err := session.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.Reconstruct(repairFlag)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.RecoveryRequired && !report.Repaired {
		return fmt.Errorf("session needs repair; rerun with --repair")
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
