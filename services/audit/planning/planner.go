// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planning turns checkable functions into persisted scan tasks.
package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/flow"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
)

// Options are the planning toggles.
type Options struct {
	// BusinessFlowScan creates tasks that scan an entry's business flow.
	BusinessFlowScan bool

	// FunctionScan creates tasks that scan the function body alone.
	FunctionScan bool

	// RepeatCount is how many identical tasks each family gets. Values
	// below 1 mean 1.
	RepeatCount int
}

// Planner writes the task set of a project.
type Planner struct {
	store  store.TaskStore
	opts   Options
	logger *slog.Logger
}

// NewPlanner creates a Planner. A nil logger uses slog.Default().
func NewPlanner(st store.TaskStore, opts Options, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RepeatCount < 1 {
		opts.RepeatCount = 1
	}
	return &Planner{store: st, opts: opts, logger: logger}
}

// NeedsPlanning reports whether the project has no tasks yet.
func (p *Planner) NeedsPlanning(ctx context.Context, projectID string) (bool, error) {
	n, err := p.store.CountTasks(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("count tasks: %w", err)
	}
	return n == 0, nil
}

// Plan creates the tasks of a project.
//
// Description:
//
//	Planning is a no-op when the project already has tasks. Functions
//	whose bare name contains "test" are dropped. With BusinessFlowScan,
//	every function that is the entry of a non-empty flow gets RepeatCount
//	flow tasks. With FunctionScan, every function gets RepeatCount
//	function tasks. Both toggles may be on.
//
// Inputs:
//   - ctx: Bounds the store calls.
//   - projectID: Project the tasks belong to.
//   - funcs: The checkable functions.
//   - flows: Business flows keyed by contract and entry. May be nil.
//
// Outputs:
//   - int: Number of tasks created.
//   - error: Non-nil if the store fails.
func (p *Planner) Plan(ctx context.Context, projectID string, funcs []*ast.Function, flows flow.Flows) (int, error) {
	needed, err := p.NeedsPlanning(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if !needed {
		p.logger.Info("Tasks already planned", slog.String("project", projectID))
		return 0, nil
	}

	var tasks []*store.Task
	for _, f := range funcs {
		if strings.Contains(f.BareName(), "test") {
			continue
		}
		if p.opts.BusinessFlowScan {
			if e, ok := flows.Lookup(f.ContractName, f.BareName()); ok && e.Code != "" {
				for i := 0; i < p.opts.RepeatCount; i++ {
					t := newTask(projectID, f)
					t.BusinessFlowCode = e.Code + "\n" + f.Content
					t.BusinessFlowLines = store.EncodeLines(e.Lines)
					t.BusinessFlowContext = e.Context
					t.IfBusinessFlowScan = store.FlowScan
					tasks = append(tasks, t)
				}
			}
		}
		if p.opts.FunctionScan {
			for i := 0; i < p.opts.RepeatCount; i++ {
				tasks = append(tasks, newTask(projectID, f))
			}
		}
	}

	if err := p.store.AddTasks(ctx, tasks); err != nil {
		return 0, fmt.Errorf("add tasks: %w", err)
	}
	p.logger.Info("Planned tasks",
		slog.String("project", projectID),
		slog.Int("functions", len(funcs)),
		slog.Int("tasks", len(tasks)))
	return len(tasks), nil
}

func newTask(projectID string, f *ast.Function) *store.Task {
	return &store.Task{
		Key:                uuid.NewString(),
		ProjectID:          projectID,
		Name:               f.Name,
		Content:            f.Content,
		Keyword:            uuid.NewString(),
		ContractCode:       f.ContractCode,
		StartLine:          f.StartLine,
		EndLine:            f.EndLine,
		RelativeFilePath:   f.RelativeFilePath,
		AbsoluteFilePath:   f.AbsoluteFilePath,
		BusinessFlowLines:  store.EncodeLines(nil),
		IfBusinessFlowScan: store.FunctionScan,
	}
}
