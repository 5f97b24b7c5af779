// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report turns confirmed tasks into the JSON findings report.
package report

import (
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/prompts"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
)

const (
	// Version is the report format version.
	Version = "1.0.0"

	// DefaultThreshold is the minimum stored rule similarity for a finding.
	DefaultThreshold = 0.82

	findingCode     = "logic-error"
	findingSeverity = "HIGH"
)

// Report is the top-level report document.
type Report struct {
	Version     string            `json:"version"`
	Success     bool              `json:"success"`
	Message     *string           `json:"message"`
	Results     []Result          `json:"results"`
	FileMapping map[string]string `json:"fileMapping"`
}

// Result is one reported finding.
type Result struct {
	Code           string         `json:"code"`
	Severity       string         `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation"`
	AffectedFiles  []AffectedFile `json:"affectedFiles"`
}

// AffectedFile is a line span in one file.
type AffectedFile struct {
	FilePath   string   `json:"filePath"`
	Range      Range    `json:"range"`
	Highlights []string `json:"highlights"`
}

// Range is an inclusive line span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Position is a 1-based line.
type Position struct {
	Line int `json:"line"`
}

// Options controls which tasks become findings.
type Options struct {
	// Verdicts lists the confirmation values that are reported.
	// Empty means {"yes"}.
	Verdicts []string

	// Threshold applies to tasks with a stored similarity score.
	Threshold float64

	Logger *slog.Logger
}

// DefaultOptions reports confirmed findings at the default threshold.
func DefaultOptions() Options {
	return Options{Verdicts: []string{"yes"}, Threshold: DefaultThreshold}
}

// Build assembles the report from a project's tasks.
//
// A task is reported when its verdict is in opts.Verdicts, its similarity
// score (if stored) is at least opts.Threshold, and its description is not
// a negative verdict. Affected ranges come from the business-flow lines,
// falling back to the task's own span.
func Build(tasks []*store.Task, opts Options) *Report {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool)
	for _, v := range opts.Verdicts {
		allowed[strings.ToLower(strings.TrimSpace(v))] = true
	}
	if len(allowed) == 0 {
		allowed["yes"] = true
	}

	r := &Report{
		Version:     Version,
		Success:     true,
		Results:     []Result{},
		FileMapping: map[string]string{},
	}
	for _, t := range tasks {
		if !allowed[strings.ToLower(strings.TrimSpace(t.Confirmation))] {
			continue
		}
		if t.SimilarityWithRule != nil && *t.SimilarityWithRule < opts.Threshold {
			continue
		}
		description := t.Description
		if description == "" {
			description = t.Result
		}
		if isNegative(description) {
			continue
		}
		files, err := affectedFiles(t)
		if err != nil {
			logger.Warn("Skipping unreadable line ranges",
				slog.Int64("task_id", t.ID),
				slog.String("error", err.Error()))
		}
		title := t.Title
		if title == "" {
			title = prompts.ExtractTitle(t.Result)
		}
		r.Results = append(r.Results, Result{
			Code:           findingCode,
			Severity:       findingSeverity,
			Title:          title,
			Description:    description,
			Recommendation: t.Recommendation,
			AffectedFiles:  files,
		})
	}
	return r
}

func isNegative(description string) bool {
	d := strings.TrimSpace(description)
	return strings.EqualFold(d, "no") || strings.Contains(d, `"result": "no"`)
}

func affectedFiles(t *store.Task) ([]AffectedFile, error) {
	ranges, err := t.Lines()
	if len(ranges) == 0 && t.StartLine > 0 {
		ranges = []store.LineRange{{t.StartLine, t.EndLine}}
	}
	files := make([]AffectedFile, 0, len(ranges))
	for _, lr := range ranges {
		files = append(files, AffectedFile{
			FilePath:   t.RelativeFilePath,
			Range:      Range{Start: Position{Line: lr[0]}, End: Position{Line: lr[1]}},
			Highlights: []string{},
		})
	}
	return files, err
}
