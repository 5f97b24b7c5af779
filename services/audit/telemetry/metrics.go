// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds pipeline-level OTel instruments.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// RunsTotal counts pipeline runs by command and status.
	RunsTotal metric.Int64Counter

	// StageDuration records pipeline stage duration in seconds.
	StageDuration metric.Float64Histogram

	// FunctionsParsed counts parsed functions by language.
	FunctionsParsed metric.Int64Counter

	// TasksPlanned counts tasks created by planning.
	TasksPlanned metric.Int64Counter

	// TokensUsed counts LLM tokens by stage and direction.
	TokensUsed metric.Int64Counter
}

// NewMetrics registers the pipeline instruments with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RunsTotal, err = meter.Int64Counter("audit_runs_total",
		metric.WithDescription("Audit pipeline runs by command and status")); err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	if m.StageDuration, err = meter.Float64Histogram("audit_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	if m.FunctionsParsed, err = meter.Int64Counter("audit_functions_parsed_total",
		metric.WithDescription("Functions parsed by language")); err != nil {
		return nil, fmt.Errorf("create functions counter: %w", err)
	}
	if m.TasksPlanned, err = meter.Int64Counter("audit_tasks_planned_total",
		metric.WithDescription("Tasks created by planning")); err != nil {
		return nil, fmt.Errorf("create tasks counter: %w", err)
	}
	if m.TokensUsed, err = meter.Int64Counter("audit_llm_tokens_total",
		metric.WithDescription("LLM tokens by stage and direction")); err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}
	return m, nil
}

// RecordStage records one stage's duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(ctx context.Context, command string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status)))
}

// RecordTokens counts prompt and completion tokens for a stage.
func (m *Metrics) RecordTokens(ctx context.Context, stage string, prompt, completion int) {
	m.TokensUsed.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("stage", stage), attribute.String("direction", "prompt")))
	m.TokensUsed.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("stage", stage), attribute.String("direction", "completion")))
}
