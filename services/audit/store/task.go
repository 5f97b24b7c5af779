// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists audit tasks.
//
// A task is created by planning, gets its detection result from the scan
// phase and its verdict and transcript from the confirmation phase. Each
// phase writes one row at a time by primary key; tasks never share rows,
// so concurrent workers need no locking beyond the database's own.
package store

import (
	"encoding/json"
	"fmt"
)

// Flag values stored in string columns.
const (
	// FlowScan marks a task whose detection uses the business-flow code.
	FlowScan = "1"

	// FunctionScan marks a task whose detection uses the function body.
	FunctionScan = "0"

	// ContextExpanded is the Score value once context expansion has run.
	ContextExpanded = "1"

	// NoVulnerability is the detection result recorded when the model
	// reports nothing to flag. Tasks holding it are rescanned on re-runs.
	NoVulnerability = "NOT A VUL IN RES no"
)

// Task is one persisted unit of scan and confirmation work.
//
// String-typed flags mirror the storage format: IfBusinessFlowScan is
// FlowScan or FunctionScan, Score is ContextExpanded once the context
// expansion pass has run, and Confirmation is "yes", "no", "not sure"
// or empty.
type Task struct {
	ID                  int64    `db:"id" json:"id"`
	Key                 string   `db:"task_key" json:"key"`
	ProjectID           string   `db:"project_id" json:"project_id"`
	Name                string   `db:"name" json:"name"`
	Content             string   `db:"content" json:"content"`
	Keyword             string   `db:"keyword" json:"keyword"`
	BusinessType        string   `db:"business_type" json:"business_type"`
	SubBusinessType     string   `db:"sub_business_type" json:"sub_business_type"`
	FunctionType        string   `db:"function_type" json:"function_type"`
	Rule                string   `db:"rule" json:"rule"`
	Result              string   `db:"result" json:"result"`
	Confirmation        string   `db:"confirmation" json:"confirmation"`
	Score               string   `db:"score" json:"score"`
	Category            string   `db:"category" json:"category"`
	ContractCode        string   `db:"contract_code" json:"contract_code"`
	RiskLevel           string   `db:"risklevel" json:"risklevel"`
	SimilarityWithRule  *float64 `db:"similarity_with_rule" json:"similarity_with_rule,omitempty"`
	Description         string   `db:"description" json:"description"`
	StartLine           int      `db:"start_line" json:"start_line"`
	EndLine             int      `db:"end_line" json:"end_line"`
	RelativeFilePath    string   `db:"relative_file_path" json:"relative_file_path"`
	AbsoluteFilePath    string   `db:"absolute_file_path" json:"absolute_file_path"`
	Recommendation      string   `db:"recommendation" json:"recommendation"`
	Title               string   `db:"title" json:"title"`
	BusinessFlowCode    string   `db:"business_flow_code" json:"business_flow_code"`
	BusinessFlowLines   string   `db:"business_flow_lines" json:"business_flow_lines"`
	BusinessFlowContext string   `db:"business_flow_context" json:"business_flow_context"`
	IfBusinessFlowScan  string   `db:"if_business_flow_scan" json:"if_business_flow_scan"`
}

// IsFlowScan reports whether detection uses the business-flow code.
func (t *Task) IsFlowScan() bool {
	return t.IfBusinessFlowScan == FlowScan
}

// CodeUnderTest returns the code a detection prompt is built from.
func (t *Task) CodeUnderTest() string {
	if t.IsFlowScan() {
		return t.BusinessFlowCode
	}
	return t.Content
}

// Scanned reports whether the scan phase has a result the next scan must
// not overwrite.
func (t *Task) Scanned() bool {
	return t.Result != "" && t.Result != NoVulnerability
}

// Confirmed reports whether confirmation has reached a terminal state.
func (t *Task) Confirmed() bool {
	return t.Confirmation != "" && t.Category != ""
}

// LineRange is an inclusive [start, end] line span, stored as a two
// element JSON array.
type LineRange [2]int

// EncodeLines serializes ranges as "[[s,e],...]".
func EncodeLines(ranges []LineRange) string {
	if len(ranges) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ranges)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Lines decodes BusinessFlowLines. An empty column yields no ranges.
func (t *Task) Lines() ([]LineRange, error) {
	if t.BusinessFlowLines == "" {
		return nil, nil
	}
	var ranges []LineRange
	if err := json.Unmarshal([]byte(t.BusinessFlowLines), &ranges); err != nil {
		return nil, fmt.Errorf("decode business flow lines for task %d: %w", t.ID, err)
	}
	return ranges, nil
}
