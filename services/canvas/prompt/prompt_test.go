// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/exquisite/services/canvas/geometry"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("  a\r\nb \n"))
	assert.Equal(t, "", Normalize("   \r\n "))
	assert.Equal(t, "plain", Normalize("plain"))
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(geometry.DirRight, 1024, "a foggy harbor at dawn")
	require.NoError(t, err)
	b, err := Build(geometry.DirRight, 1024, "  a foggy harbor at dawn\r\n")
	require.NoError(t, err)

	assert.Equal(t, a.FullPrompt, b.FullPrompt,
		"normalization must make these prompts identical")
	assert.Equal(t, a.SHA256Hex, b.SHA256Hex)
	assert.Len(t, a.SHA256Hex, 64)

	assert.Contains(t, a.FullPrompt, "to the right")
	assert.Contains(t, a.FullPrompt, "1024x1024")
	assert.Contains(t, a.FullPrompt, "a foggy harbor at dawn")
}

func TestBuildVariesByDirection(t *testing.T) {
	seen := map[string]geometry.Direction{}
	for _, dir := range []geometry.Direction{
		geometry.DirRight, geometry.DirLeft, geometry.DirDown, geometry.DirUp,
	} {
		p, err := Build(dir, 512, "same text")
		require.NoError(t, err)
		prev, dup := seen[p.SHA256Hex]
		assert.False(t, dup, "hash collision between %s and %s", prev, dir)
		seen[p.SHA256Hex] = dir
	}

	_, err := Build(geometry.Direction("diagonal"), 512, "x")
	require.Error(t, err)
}

func TestPlacement(t *testing.T) {
	p := geometry.DefaultParams()

	right, err := Placement(geometry.DirRight, p)
	require.NoError(t, err)
	assert.Equal(t, "LEFT half (columns 0..511)", right.ConditioningWhere)
	assert.Equal(t, "RIGHT half (columns 512..1023)", right.NewWhere)

	up, err := Placement(geometry.DirUp, p)
	require.NoError(t, err)
	assert.Equal(t, "BOTTOM half (rows 512..1023)", up.ConditioningWhere)

	_, err = Placement(geometry.Direction("nope"), p)
	require.Error(t, err)
}
