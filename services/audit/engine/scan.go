// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/prompts"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// emptyDetection is stored when the detection call produced nothing.
const emptyDetection = "no"

// DefaultScanWorkers is the detection pool size when none is configured.
const DefaultScanWorkers = 3

var (
	// ErrNilStore is returned when an engine is built without a task store.
	ErrNilStore = errors.New("nil task store")

	// ErrNilClient is returned when an engine is built without an LLM client.
	ErrNilClient = errors.New("nil llm client")
)

// Filter selects which unscanned tasks a scan sends to the model.
type Filter func(*store.Task) bool

// ScanStats summarizes one Scan call.
type ScanStats struct {
	Total    int
	Scanned  int
	Skipped  int
	Filtered int
	Empty    int
	Usage    llm.Usage
}

// ScanEngine sends each task's code to the detection model once.
type ScanEngine struct {
	store   store.TaskStore
	client  llm.Client
	workers int
	logger  *slog.Logger
}

// NewScanEngine creates a detection engine. workers below 1 uses
// DefaultScanWorkers.
func NewScanEngine(st store.TaskStore, client llm.Client, workers int, logger *slog.Logger) (*ScanEngine, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	if client == nil {
		return nil, ErrNilClient
	}
	if workers < 1 {
		workers = DefaultScanWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanEngine{store: st, client: client, workers: workers, logger: logger}, nil
}

// Scan runs detection over every task of a project.
//
// Description:
//
//	A task is skipped when it already holds a result other than the
//	no-vulnerability marker, or when filter is non-nil and rejects it.
//	Every other task gets exactly one detection call. The reply text is
//	stored as the result; a failed or empty call stores "no". There are no
//	retries.
//
// Inputs:
//
//	ctx - Context for cancellation
//	projectID - Project whose tasks are scanned
//	filter - Optional task selector
//
// Outputs:
//
//	ScanStats - Counts and token usage for this call
//	error - Non-nil on store failure or cancellation
//
// Thread Safety: Safe to call concurrently for different projects.
func (e *ScanEngine) Scan(ctx context.Context, projectID string, filter Filter) (ScanStats, error) {
	ctx, span := tracer.Start(ctx, "ScanEngine.Scan",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()
	start := time.Now()
	defer func() { phaseDuration.WithLabelValues("scan").Observe(time.Since(start).Seconds()) }()

	var stats ScanStats
	tasks, err := e.store.ListTasks(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tasks failed")
		return stats, fmt.Errorf("scan %s: %w", projectID, err)
	}
	stats.Total = len(tasks)
	if len(tasks) == 0 {
		e.logger.Info("No tasks to scan", slog.String("project", projectID))
		return stats, nil
	}

	e.logger.Info("Scan started",
		slog.String("project", projectID),
		slog.Int("tasks", len(tasks)),
		slog.Int("workers", e.workers))

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for _, task := range tasks {
		if task.Scanned() {
			stats.Skipped++
			taskOutcomes.WithLabelValues("scan", "skipped").Inc()
			continue
		}
		if filter != nil && !filter(task) {
			stats.Filtered++
			taskOutcomes.WithLabelValues("scan", "filtered").Inc()
			continue
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			empty, usage, err := e.scanTask(egCtx, task)
			mu.Lock()
			stats.Usage = stats.Usage.Add(usage)
			if err == nil {
				stats.Scanned++
				if empty {
					stats.Empty++
				}
			}
			mu.Unlock()
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan aborted")
		return stats, fmt.Errorf("scan %s: %w", projectID, err)
	}

	span.SetAttributes(
		attribute.Int("tasks.scanned", stats.Scanned),
		attribute.Int("tasks.skipped", stats.Skipped+stats.Filtered))
	e.logger.Info("Scan finished",
		slog.String("project", projectID),
		slog.Int("scanned", stats.Scanned),
		slog.Int("skipped", stats.Skipped),
		slog.Int("filtered", stats.Filtered),
		slog.Int("empty", stats.Empty),
		slog.Int("tokens", stats.Usage.Total()))
	return stats, nil
}

func (e *ScanEngine) scanTask(ctx context.Context, task *store.Task) (bool, llm.Usage, error) {
	prompt := prompts.Detection(task.CodeUnderTest(), ast.LanguageOf(contractOf(task.Name)))
	c, err := e.client.Ask(ctx, prompt)
	result := strings.TrimSpace(c.Text)
	empty := err != nil || result == ""
	if empty {
		if err != nil {
			e.logger.Warn("Detection call failed",
				slog.Int64("task_id", task.ID),
				slog.String("name", task.Name),
				slog.String("error", err.Error()))
		}
		result = emptyDetection
	}

	if err := e.store.UpdateResult(ctx, task.ID, result, "", ""); err != nil {
		return empty, c.Usage, fmt.Errorf("store result for task %d: %w", task.ID, err)
	}
	task.Result = result

	outcome := "detected"
	if empty {
		outcome = "empty"
	}
	taskOutcomes.WithLabelValues("scan", outcome).Inc()
	e.logger.Debug("Task scanned", slog.Int64("task_id", task.ID), slog.String("outcome", outcome))
	return empty, c.Usage, nil
}

// contractOf returns the contract part of a qualified function name.
func contractOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}
