// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconBullet} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeMachine, ParseMode("MACHINE"))
	assert.Equal(t, ModeMinimal, ParseMode(" minimal "))
	assert.Equal(t, ModeRich, ParseMode("rich"))
	assert.Equal(t, ModeRich, ParseMode("unknown"))
}

func TestDetectMode_NotATerminal(t *testing.T) {
	assert.Equal(t, ModeMachine, DetectMode(&bytes.Buffer{}))
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("ignored")
	p.Success("done")
	p.Warning("careful")
	p.Box("Summary", []Row{{Key: "Tasks planned", Value: "4"}, {Key: "Tokens", Value: "1200"}})
	p.Finding("Reentrancy", "Vault.sol:10-20")

	assert.Equal(t,
		"OK: done\nWARN: careful\ntasks_planned=4\ntokens=1200\nFINDING\tVault.sol:10-20\tReentrancy\n",
		buf.String())
}

func TestPrinter_Minimal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMinimal)

	p.Error("failed")
	p.Box("Summary", []Row{{Key: "Findings", Value: "2"}})

	assert.Equal(t, "✗ failed\nSummary\n  • Findings: 2\n", buf.String())
}

func TestPrinter_Rich(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	p.Title("Audit")
	p.Box("Summary", []Row{{Key: "Findings", Value: "2"}, {Key: "Duration", Value: "3s"}})

	out := buf.String()
	assert.Contains(t, out, "Audit")
	assert.Contains(t, out, "Findings")
	assert.Contains(t, out, "3s")
	assert.Equal(t, ModeRich, p.Mode())
}
