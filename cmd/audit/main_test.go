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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
	"github.com/AleutianAI/AleutianAudit/services/audit"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
	"github.com/AleutianAI/AleutianAudit/services/audit/report"
	"github.com/AleutianAI/AleutianAudit/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "SWITCH_BUSINESS_CODE", "SWITCH_FUNCTION_CODE",
		"BUSINESS_FLOW_COUNT", "AZURE_OR_OPENAI", "WEAVIATE_URL", "VUL_MODEL_ID", "CLAUDE_MODEL"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "audit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project_id: from-file\ndatabase_url: file.db\n"), 0600))

	cfg, err := loadConfig(path, overrides{
		ProjectID:   "from-flag",
		DatabaseURL: "flag.db",
		LogLevel:    "DEBUG",
		Trace:       "stdout",
		Output:      "gs://bucket/out.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.ProjectID)
	assert.Equal(t, "flag.db", cfg.DatabaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "gs://bucket/out.json", cfg.Output)
}

func TestLoadConfig_ProjectIDFromPath(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig("", overrides{ProjectPath: "/src/vault/"})
	require.NoError(t, err)
	assert.Equal(t, "vault", cfg.ProjectID)
	assert.Equal(t, "/src/vault/", cfg.ProjectPath)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	clearEnv(t)
	_, err := loadConfig("", overrides{Trace: "jaeger"})
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestSummaryRows(t *testing.T) {
	sum := &audit.Summary{
		ProjectID: "vault",
		Functions: 4,
		Planned:   3,
		Flows:     2,
		Scan:      engine.ScanStats{Total: 3, Scanned: 3},
		Confirm: engine.ConfirmStats{
			Total:     3,
			Confirmed: 2,
			Verdicts:  map[engine.Verdict]int{engine.VerdictYes: 1, engine.VerdictNo: 1},
		},
		Usage:    llm.Usage{PromptTokens: 100, CompletionTokens: 20, Calls: 9},
		Duration: 1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	printSummary(ux.NewPrinter(&buf, ux.ModeMachine), "Audit", sum)
	out := buf.String()

	assert.Contains(t, out, "project=vault\n")
	assert.Contains(t, out, "tasks_planned=3\n")
	assert.Contains(t, out, "verdict_yes=1\n")
	assert.Contains(t, out, "verdict_no=1\n")
	assert.NotContains(t, out, "verdict_not_sure")
	assert.Contains(t, out, "tokens=120\n")
	assert.Contains(t, out, "duration=1.5s\n")
}

func TestSummaryRows_ReportOnly(t *testing.T) {
	rows := summaryRows(&audit.Summary{ProjectID: "p"})
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"Project", "LLM calls", "Tokens"}, keys)
}

func TestPrintFindings(t *testing.T) {
	var buf bytes.Buffer
	out := ux.NewPrinter(&buf, ux.ModeMachine)

	printFindings(out, &report.Report{})
	assert.Equal(t, "OK: No confirmed findings\n", buf.String())

	buf.Reset()
	printFindings(out, &report.Report{Results: []report.Result{{
		Title: "Reentrancy",
		AffectedFiles: []report.AffectedFile{{
			FilePath: "Vault.sol",
			Range:    report.Range{Start: report.Position{Line: 10}, End: report.Position{Line: 20}},
		}},
	}, {Title: "Logic Error"}}})
	assert.Equal(t, "FINDING\tVault.sol:10-20\tReentrancy\nFINDING\tunknown location\tLogic Error\n", buf.String())
}
