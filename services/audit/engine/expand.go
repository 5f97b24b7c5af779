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
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/store"
)

// ExpandContexts fills in BusinessFlowContext for tasks not yet expanded.
//
// Description:
//
//	For each task whose Score is not store.ContextExpanded, the SearchK
//	functions most similar to the task's code seed a walk of the call
//	trees to Depth in both directions. The collected functions, optionally
//	preceded by the contract's state variables, become the task's context
//	and the task is marked expanded, so this runs at most once per task.
//	A failed search leaves the task unexpanded for a later run. The call
//	returns only after every task is processed.
//
// Outputs:
//
//	int - Number of tasks expanded
//	error - Non-nil on store failure or cancellation
func (e *ConfirmationEngine) ExpandContexts(ctx context.Context, tasks []*store.Task) (int, error) {
	if e.searcher == nil || e.trees == nil {
		e.logger.Debug("Context expansion disabled")
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "ConfirmationEngine.ExpandContexts")
	defer span.End()
	start := time.Now()
	defer func() { phaseDuration.WithLabelValues("expand").Observe(time.Since(start).Seconds()) }()

	var expanded atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.ExpansionWorkers)
	for _, task := range tasks {
		if task.Score == store.ContextExpanded {
			continue
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			ok, err := e.expandTask(egCtx, task)
			if err != nil {
				return err
			}
			if ok {
				expanded.Add(1)
			}
			return nil
		})
	}
	err := eg.Wait()
	n := int(expanded.Load())
	span.SetAttributes(attribute.Int("tasks.expanded", n))
	if err != nil {
		return n, fmt.Errorf("expand contexts: %w", err)
	}
	if n > 0 {
		e.logger.Info("Contexts expanded", slog.Int("tasks", n))
	}
	return n, nil
}

// expandTask stores the related context of task and marks it expanded.
// A failed search leaves the task untouched so a later run retries it;
// only cancellation and store errors are returned.
func (e *ConfirmationEngine) expandTask(ctx context.Context, task *store.Task) (bool, error) {
	related, err := e.relatedContext(ctx, task)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		e.logger.Warn("Similarity search failed, expansion deferred",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
		taskOutcomes.WithLabelValues("expand", "deferred").Inc()
		return false, nil
	}

	if err := e.store.UpdateBusinessFlowContext(ctx, task.ID, related); err != nil {
		return false, fmt.Errorf("store context for task %d: %w", task.ID, err)
	}
	if err := e.store.UpdateScore(ctx, task.ID, store.ContextExpanded); err != nil {
		return false, fmt.Errorf("mark task %d expanded: %w", task.ID, err)
	}
	task.BusinessFlowContext = related
	task.Score = store.ContextExpanded
	taskOutcomes.WithLabelValues("expand", "expanded").Inc()
	return true, nil
}

func (e *ConfirmationEngine) relatedContext(ctx context.Context, task *store.Task) (string, error) {
	matches, err := e.searcher.Search(ctx, task.CodeUnderTest(), e.opts.SearchK)
	if err != nil {
		return "", fmt.Errorf("similarity search for task %d: %w", task.ID, err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.BareName())
	}
	related := e.trees.RelatedFunctions(names, e.opts.Depth)

	var b strings.Builder
	if e.opts.StateVariables {
		if tree, ok := e.trees.Lookup(task.Name); ok && len(tree.StateVariables) > 0 {
			b.WriteString(strings.Join(tree.StateVariables, "\n"))
			b.WriteString("\n")
		}
	}
	for i, fn := range related {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fn.Content)
	}
	return b.String(), nil
}
