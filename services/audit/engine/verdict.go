// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the two LLM phases of an audit: detection (ScanEngine)
// and confirmation (ConfirmationEngine).
//
// Both engines read tasks from a store.TaskStore, fan out over a bounded
// errgroup, and persist one update per task. LLM failures never abort a
// phase; they are logged and turned into the outcome each phase defines.
// Only store errors and context cancellation are returned.
package engine

import (
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/llmjson"
)

// Verdict is the outcome of one confirmation attempt, or of a task.
type Verdict int

const (
	// VerdictUnparseable marks an attempt whose JSON verdict could not be
	// read. It counts toward nothing.
	VerdictUnparseable Verdict = iota
	VerdictYes
	VerdictNo
	VerdictNotSure
)

// String returns the stored form of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictYes:
		return "yes"
	case VerdictNo:
		return "no"
	case VerdictNotSure:
		return "not sure"
	default:
		return "unparseable"
	}
}

// ClassifyVerdict reads the "result" field of the first JSON object in raw.
// An object inside the first code fence wins over objects in the
// surrounding prose.
//
// The field is matched by substring after lowercasing, in order: "not sure",
// then "no", then "yes". Missing JSON, a missing field, or a field matching
// none of them is VerdictUnparseable.
func ClassifyVerdict(raw string) Verdict {
	obj, ok := llmjson.First(llmjson.Unfence(raw))
	if !ok {
		obj, ok = llmjson.First(raw)
	}
	if !ok {
		return VerdictUnparseable
	}
	result, ok := llmjson.String(obj, "result")
	if !ok {
		return VerdictUnparseable
	}
	result = strings.ToLower(result)
	switch {
	case strings.Contains(result, "not sure"):
		return VerdictNotSure
	case strings.Contains(result, "no"):
		return VerdictNo
	case strings.Contains(result, "yes"):
		return VerdictYes
	default:
		return VerdictUnparseable
	}
}

// Tally is the per-task voting state machine.
//
// A "no" ends voting at once with final verdict no. Otherwise voting runs
// for maxAttempts and the final verdict is yes when a majority of the
// attempts said yes, else not sure. The counting branch never yields no:
// a negative is only trusted when stated outright.
type Tally struct {
	maxAttempts int
	attempts    int
	yes         int
	notSure     int
	unparseable int
	sawNo       bool
}

// NewTally creates a tally for up to maxAttempts votes (minimum 1).
func NewTally(maxAttempts int) *Tally {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Tally{maxAttempts: maxAttempts}
}

// Record adds one attempt's verdict and reports whether voting is over.
// Calls after voting is over are ignored.
func (t *Tally) Record(v Verdict) bool {
	if t.Done() {
		return true
	}
	t.attempts++
	switch v {
	case VerdictNo:
		t.sawNo = true
	case VerdictYes:
		t.yes++
	case VerdictNotSure:
		t.notSure++
	default:
		t.unparseable++
	}
	return t.Done()
}

// Done reports whether no further attempts should run.
func (t *Tally) Done() bool {
	return t.sawNo || t.attempts >= t.maxAttempts
}

// Attempts returns the number of recorded attempts.
func (t *Tally) Attempts() int {
	return t.attempts
}

// Final returns the verdict for the votes recorded so far.
func (t *Tally) Final() Verdict {
	if t.sawNo {
		return VerdictNo
	}
	if t.yes >= t.maxAttempts/2+1 {
		return VerdictYes
	}
	return VerdictNotSure
}
