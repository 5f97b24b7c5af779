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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/graph"
	"github.com/AleutianAI/AleutianAudit/services/audit/prompts"
	"github.com/AleutianAI/AleutianAudit/services/audit/search"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// ConfirmOptions configures a ConfirmationEngine. Zero values take the
// defaults in DefaultConfirmOptions.
type ConfirmOptions struct {
	// Workers bounds concurrent tasks in the voting pool.
	Workers int

	// ExpansionWorkers bounds concurrent tasks in the expansion pre-pass.
	ExpansionWorkers int

	// SearchK is how many similar functions seed context expansion.
	SearchK int

	// Depth is how far expansion walks the call trees.
	Depth int

	// MaxAttempts caps voting attempts per task.
	MaxAttempts int

	// StateVariables prefixes expanded context with the contract's state
	// variable declarations.
	StateVariables bool
}

// DefaultConfirmOptions returns the standard settings.
func DefaultConfirmOptions() ConfirmOptions {
	return ConfirmOptions{
		Workers:          10,
		ExpansionWorkers: 4,
		SearchK:          3,
		Depth:            3,
		MaxAttempts:      3,
	}
}

func (o ConfirmOptions) withDefaults() ConfirmOptions {
	d := DefaultConfirmOptions()
	if o.Workers < 1 {
		o.Workers = d.Workers
	}
	if o.ExpansionWorkers < 1 {
		o.ExpansionWorkers = d.ExpansionWorkers
	}
	if o.SearchK < 1 {
		o.SearchK = d.SearchK
	}
	if o.Depth < 1 {
		o.Depth = d.Depth
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}

// ConfirmStats summarizes one Confirm call.
type ConfirmStats struct {
	Total     int
	Expanded  int
	Skipped   int
	Aborted   int
	Confirmed int
	Verdicts  map[Verdict]int
	Usage     llm.Usage
}

// ConfirmationEngine re-checks detection results by repeated voting.
//
// The analyst writes a free-form re-analysis; the judge turns it into a
// JSON verdict. They may be the same client.
//
// # Thread Safety
//
// Safe for concurrent use once constructed. trees must not change after
// construction.
type ConfirmationEngine struct {
	store    store.TaskStore
	analyst  llm.Client
	judge    llm.Client
	searcher search.SimilaritySearch
	trees    *graph.CallTrees
	opts     ConfirmOptions
	logger   *slog.Logger
}

// NewConfirmationEngine creates a confirmation engine.
//
// searcher and trees may be nil, in which case the context expansion
// pre-pass is skipped and tasks keep their planned context.
func NewConfirmationEngine(
	st store.TaskStore,
	analyst, judge llm.Client,
	searcher search.SimilaritySearch,
	trees *graph.CallTrees,
	opts ConfirmOptions,
	logger *slog.Logger,
) (*ConfirmationEngine, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	if analyst == nil || judge == nil {
		return nil, ErrNilClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationEngine{
		store:    st,
		analyst:  analyst,
		judge:    judge,
		searcher: searcher,
		trees:    trees,
		opts:     opts.withDefaults(),
		logger:   logger,
	}, nil
}

// needsConfirmation reports whether a task has a detection result worth
// voting on and no terminal verdict yet.
func needsConfirmation(t *store.Task) bool {
	if t.Confirmed() {
		return false
	}
	r := strings.TrimSpace(t.Result)
	return r != "" && r != store.NoVulnerability && r != emptyDetection
}

// Confirm votes on every task of a project that needs confirmation.
//
// Description:
//
//	Tasks with a verdict and a transcript are terminal and get no calls.
//	The rest first go through ExpandContexts; voting starts only after
//	every expansion has finished. Each task then runs up to MaxAttempts
//	attempts of analysis followed by a JSON verdict. An empty or failed
//	analysis aborts the task with nothing stored. Otherwise the final
//	verdict and the transcript are stored with a single update.
//
// Inputs:
//
//	ctx - Context for cancellation
//	projectID - Project whose tasks are confirmed
//
// Outputs:
//
//	ConfirmStats - Counts, verdict histogram and token usage
//	error - Non-nil on store failure or cancellation
func (e *ConfirmationEngine) Confirm(ctx context.Context, projectID string) (ConfirmStats, error) {
	ctx, span := tracer.Start(ctx, "ConfirmationEngine.Confirm",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()
	start := time.Now()
	defer func() { phaseDuration.WithLabelValues("confirm").Observe(time.Since(start).Seconds()) }()

	stats := ConfirmStats{Verdicts: make(map[Verdict]int)}
	tasks, err := e.store.ListTasks(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tasks failed")
		return stats, fmt.Errorf("confirm %s: %w", projectID, err)
	}
	stats.Total = len(tasks)

	pending := make([]*store.Task, 0, len(tasks))
	for _, t := range tasks {
		if needsConfirmation(t) {
			pending = append(pending, t)
			continue
		}
		stats.Skipped++
		taskOutcomes.WithLabelValues("confirm", "skipped").Inc()
	}
	if len(pending) == 0 {
		e.logger.Info("No tasks to confirm", slog.String("project", projectID), slog.Int("tasks", len(tasks)))
		return stats, nil
	}

	expanded, err := e.ExpandContexts(ctx, pending)
	stats.Expanded = expanded
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context expansion failed")
		return stats, fmt.Errorf("confirm %s: %w", projectID, err)
	}

	e.logger.Info("Confirmation started",
		slog.String("project", projectID),
		slog.Int("pending", len(pending)),
		slog.Int("workers", e.opts.Workers))

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.Workers)
	for _, task := range pending {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			v, done, usage, err := e.confirmTask(egCtx, task)
			mu.Lock()
			defer mu.Unlock()
			stats.Usage = stats.Usage.Add(usage)
			switch {
			case err != nil:
			case !done:
				stats.Aborted++
			default:
				stats.Confirmed++
				stats.Verdicts[v]++
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirmation aborted")
		return stats, fmt.Errorf("confirm %s: %w", projectID, err)
	}

	span.SetAttributes(
		attribute.Int("tasks.confirmed", stats.Confirmed),
		attribute.Int("tasks.aborted", stats.Aborted))
	e.logger.Info("Confirmation finished",
		slog.String("project", projectID),
		slog.Int("confirmed", stats.Confirmed),
		slog.Int("aborted", stats.Aborted),
		slog.Int("skipped", stats.Skipped),
		slog.Int("yes", stats.Verdicts[VerdictYes]),
		slog.Int("no", stats.Verdicts[VerdictNo]),
		slog.Int("not_sure", stats.Verdicts[VerdictNotSure]),
		slog.Int("tokens", stats.Usage.Total()))
	return stats, nil
}

// confirmTask runs the voting loop for one task. done is false when the
// task was aborted and nothing was stored.
func (e *ConfirmationEngine) confirmTask(ctx context.Context, task *store.Task) (Verdict, bool, llm.Usage, error) {
	ctx, span := tracer.Start(ctx, "ConfirmationEngine.confirmTask",
		trace.WithAttributes(attribute.Int64("task.id", task.ID)))
	defer span.End()

	var usage llm.Usage
	code := confirmationCode(task)
	prompt := prompts.Confirmation(code, task.Result)
	tally := NewTally(e.opts.MaxAttempts)
	var transcript strings.Builder

	for attempt := 1; !tally.Done(); attempt++ {
		analysis, err := e.analyst.Ask(ctx, prompt)
		usage = usage.Add(analysis.Usage)
		if err != nil || strings.TrimSpace(analysis.Text) == "" {
			if err != nil {
				e.logger.Warn("Confirmation analysis failed, task left for a later run",
					slog.Int64("task_id", task.ID),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
			}
			span.SetAttributes(attribute.Bool("task.aborted", true))
			taskOutcomes.WithLabelValues("confirm", "aborted").Inc()
			return VerdictUnparseable, false, usage, nil
		}

		verdictText := ""
		judged, err := e.judge.AskForJSON(ctx, prompts.Verdict(analysis.Text))
		usage = usage.Add(judged.Usage)
		if err != nil {
			e.logger.Warn("Verdict call failed",
				slog.Int64("task_id", task.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		} else {
			verdictText = judged.Text
		}

		v := ClassifyVerdict(verdictText)
		if transcript.Len() > 0 {
			transcript.WriteString("\n")
		}
		fmt.Fprintf(&transcript, "Attempt %d: %s+%s", attempt, analysis.Text, verdictText)
		tally.Record(v)
		e.logger.Debug("Confirmation attempt",
			slog.Int64("task_id", task.ID),
			slog.Int("attempt", attempt),
			slog.String("verdict", v.String()))
	}

	final := tally.Final()
	if err := e.store.UpdateResult(ctx, task.ID, task.Result, final.String(), transcript.String()); err != nil {
		span.RecordError(err)
		return final, false, usage, fmt.Errorf("store verdict for task %d: %w", task.ID, err)
	}
	task.Confirmation = final.String()
	task.Category = transcript.String()

	span.SetAttributes(
		attribute.String("task.verdict", final.String()),
		attribute.Int("task.attempts", tally.Attempts()))
	verdictsTotal.WithLabelValues(final.String()).Inc()
	attemptsPerTask.Observe(float64(tally.Attempts()))
	taskOutcomes.WithLabelValues("confirm", "confirmed").Inc()
	return final, true, usage, nil
}

// confirmationCode is the code shown to the analyst: the flow plus its
// context for flow tasks, the function body otherwise.
func confirmationCode(t *store.Task) string {
	if t.IsFlowScan() {
		return t.BusinessFlowCode + "\n" + t.BusinessFlowContext
	}
	return t.Content
}
