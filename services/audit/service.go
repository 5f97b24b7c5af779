// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit wires the audit pipeline together.
//
// A run parses the project, builds relationships and call trees, plans
// tasks (extracting business flows when needed), then runs detection and
// confirmation. Graph construction finishes before any concurrent phase
// starts; the engines only read it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
	"github.com/AleutianAI/AleutianAudit/services/audit/flow"
	"github.com/AleutianAI/AleutianAudit/services/audit/graph"
	"github.com/AleutianAI/AleutianAudit/services/audit/planning"
	"github.com/AleutianAI/AleutianAudit/services/audit/redact"
	"github.com/AleutianAI/AleutianAudit/services/audit/report"
	"github.com/AleutianAI/AleutianAudit/services/audit/search"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

var tracer = otel.Tracer("aleutian.audit")

var (
	// ErrNoProjectID is returned when a run has no project id.
	ErrNoProjectID = errors.New("project id is required")

	// ErrNoProjectPath is returned when a phase needs sources but has no path.
	ErrNoProjectPath = errors.New("project path is required")
)

// Clients holds one LLM client per pipeline role.
type Clients struct {
	Detection    llm.Client
	BusinessFlow llm.Client
	Confirmation llm.Client
	Verdict      llm.Client
}

// NewClients builds the clients configured in cfg. When cfg.Redact is set
// every client scrubs credentials from its prompts.
func NewClients(cfg config.LLMConfig, logger *slog.Logger) (Clients, error) {
	var c Clients
	var err error
	if c.Detection, err = llm.New(cfg.Detection); err != nil {
		return c, fmt.Errorf("detection client: %w", err)
	}
	if c.BusinessFlow, err = llm.New(cfg.BusinessFlow); err != nil {
		return c, fmt.Errorf("business flow client: %w", err)
	}
	if c.Confirmation, err = llm.New(cfg.Confirmation); err != nil {
		return c, fmt.Errorf("confirmation client: %w", err)
	}
	if c.Verdict, err = llm.New(cfg.Verdict); err != nil {
		return c, fmt.Errorf("verdict client: %w", err)
	}
	if !cfg.Redact {
		return c, nil
	}

	r, err := redact.New()
	if err != nil {
		return c, fmt.Errorf("redaction rules: %w", err)
	}
	for _, client := range []*llm.Client{&c.Detection, &c.BusinessFlow, &c.Confirmation, &c.Verdict} {
		*client = redact.Wrap(*client, r, logger)
	}
	return c, nil
}

// Service runs audit commands against one task store.
type Service struct {
	cfg     *config.Config
	store   store.TaskStore
	clients Clients
	index   search.Index
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIndex sets the similarity index used for context expansion.
func WithIndex(idx search.Index) Option {
	return func(s *Service) { s.index = idx }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. st and every client are required.
func NewService(cfg *config.Config, st store.TaskStore, clients Clients, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if st == nil {
		return nil, engine.ErrNilStore
	}
	if clients.Detection == nil || clients.BusinessFlow == nil || clients.Confirmation == nil || clients.Verdict == nil {
		return nil, engine.ErrNilClient
	}
	s := &Service{cfg: cfg, store: st, clients: clients, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Project identifies the audited sources.
type Project struct {
	ID   string
	Path string
}

// Analysis is the read-only result of parsing and graph construction.
type Analysis struct {
	All     []*ast.Function
	ToCheck []*ast.Function
	Trees   *graph.CallTrees
}

// Summary reports what a command did.
type Summary struct {
	ProjectID string
	Functions int
	Planned   int
	Flows     int
	Scan      engine.ScanStats
	Confirm   engine.ConfirmStats
	Usage     llm.Usage
	Duration  time.Duration
}

// Analyze parses the project and builds relationships and call trees.
func (s *Service) Analyze(ctx context.Context, path string) (*Analysis, error) {
	if path == "" {
		return nil, ErrNoProjectPath
	}
	ctx, span := tracer.Start(ctx, "Service.Analyze", trace.WithAttributes(attribute.String("project.path", path)))
	defer span.End()
	defer s.stage(ctx, "analyze", time.Now())

	all, toCheck, err := ast.ParseProject(ctx, path, ast.Filter{
		IgnoreFolders:  s.cfg.IgnoreFolders,
		WhiteFiles:     s.cfg.WhiteFiles,
		WhiteFunctions: s.cfg.WhiteFunctions,
	}, ast.WithLogger(s.logger))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("parse project %s: %w", path, err)
	}
	if s.metrics != nil {
		for _, fn := range all {
			s.metrics.FunctionsParsed.Add(ctx, 1, metricLanguage(fn.Language))
		}
	}

	rel, index := graph.Analyze(all)
	trees := graph.BuildCallTrees(all, rel, index)
	span.SetAttributes(
		attribute.Int("functions.all", len(all)),
		attribute.Int("functions.to_check", len(toCheck)))
	s.logger.Info("Project analyzed",
		slog.String("path", path),
		slog.Int("functions", len(all)),
		slog.Int("to_check", len(toCheck)),
		slog.Int("relations", rel.Len()))
	return &Analysis{All: all, ToCheck: toCheck, Trees: trees}, nil
}

// Plan creates the project's tasks unless it already has some.
func (s *Service) Plan(ctx context.Context, projectID string, a *Analysis) (planned, flows int, usage llm.Usage, err error) {
	ctx, span := tracer.Start(ctx, "Service.Plan")
	defer span.End()
	defer s.stage(ctx, "plan", time.Now())

	planner := planning.NewPlanner(s.store, planning.Options{
		BusinessFlowScan: s.cfg.Scan.BusinessFlowScan,
		FunctionScan:     s.cfg.Scan.FunctionScan,
		RepeatCount:      s.cfg.Scan.RepeatCount,
	}, s.logger)

	needed, err := planner.NeedsPlanning(ctx, projectID)
	if err != nil {
		return 0, 0, usage, err
	}
	if !needed {
		s.logger.Info("Tasks already planned", slog.String("project", projectID))
		return 0, 0, usage, nil
	}

	var extracted flow.Flows
	if s.cfg.Scan.BusinessFlowScan {
		extractor := flow.NewExtractor(s.clients.BusinessFlow,
			flow.WithScanList(s.cfg.ScanList),
			flow.WithWorkers(s.cfg.Scan.FlowWorkers),
			flow.WithLogger(s.logger))
		extracted, usage = extractor.Extract(ctx, a.ToCheck)
	}

	planned, err = planner.Plan(ctx, projectID, a.ToCheck, extracted)
	if err != nil {
		span.RecordError(err)
		return 0, extracted.Len(), usage, err
	}
	if s.metrics != nil {
		s.metrics.TasksPlanned.Add(ctx, int64(planned))
		s.metrics.RecordTokens(ctx, "plan", usage.PromptTokens, usage.CompletionTokens)
	}
	span.SetAttributes(attribute.Int("tasks.planned", planned))
	return planned, extracted.Len(), usage, nil
}

// Detect plans the project if needed and runs the scan phase.
func (s *Service) Detect(ctx context.Context, p Project) (*Summary, error) {
	if p.ID == "" {
		return nil, ErrNoProjectID
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Service.Detect", trace.WithAttributes(attribute.String("project.id", p.ID)))
	defer span.End()

	a, err := s.Analyze(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ProjectID: p.ID, Functions: len(a.ToCheck)}
	if err := s.detect(ctx, p.ID, a, sum); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detect failed")
		return sum, err
	}
	sum.Duration = time.Since(start)
	return sum, nil
}

func (s *Service) detect(ctx context.Context, projectID string, a *Analysis, sum *Summary) error {
	planned, flows, usage, err := s.Plan(ctx, projectID, a)
	if err != nil {
		return err
	}
	sum.Planned, sum.Flows = planned, flows
	sum.Usage = sum.Usage.Add(usage)

	scanner, err := engine.NewScanEngine(s.store, s.clients.Detection, s.cfg.Scan.Workers, s.logger)
	if err != nil {
		return err
	}
	defer s.stage(ctx, "scan", time.Now())
	stats, err := scanner.Scan(ctx, projectID, nil)
	sum.Scan = stats
	sum.Usage = sum.Usage.Add(stats.Usage)
	if s.metrics != nil {
		s.metrics.RecordTokens(ctx, "scan", stats.Usage.PromptTokens, stats.Usage.CompletionTokens)
	}
	return err
}

// Confirm runs the confirmation phase. When the project path is set the
// sources are re-analyzed and indexed for context expansion; without it
// tasks keep their planned context.
func (s *Service) Confirm(ctx context.Context, p Project) (*Summary, error) {
	if p.ID == "" {
		return nil, ErrNoProjectID
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Service.Confirm", trace.WithAttributes(attribute.String("project.id", p.ID)))
	defer span.End()

	sum := &Summary{ProjectID: p.ID}
	var a *Analysis
	if p.Path != "" {
		var err error
		if a, err = s.Analyze(ctx, p.Path); err != nil {
			return nil, err
		}
		sum.Functions = len(a.ToCheck)
	}
	if err := s.confirm(ctx, p.ID, a, sum); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return sum, err
	}
	sum.Duration = time.Since(start)
	return sum, nil
}

func (s *Service) confirm(ctx context.Context, projectID string, a *Analysis, sum *Summary) error {
	var (
		searcher search.SimilaritySearch
		trees    *graph.CallTrees
	)
	if a != nil && s.index != nil {
		indexStart := time.Now()
		if err := s.index.Index(ctx, projectID, a.ToCheck); err != nil {
			s.logger.Warn("Indexing failed, context expansion disabled",
				slog.String("project", projectID),
				slog.String("error", err.Error()))
		} else {
			searcher = s.index.Scoped(projectID)
			trees = a.Trees
		}
		s.stage(ctx, "index", indexStart)
	}

	confirmer, err := engine.NewConfirmationEngine(s.store, s.clients.Confirmation, s.clients.Verdict,
		searcher, trees, engine.ConfirmOptions{
			Workers:          s.cfg.Confirm.Workers,
			ExpansionWorkers: s.cfg.Confirm.ExpansionWorkers,
			SearchK:          s.cfg.Confirm.SearchK,
			Depth:            s.cfg.Confirm.Depth,
			MaxAttempts:      s.cfg.Confirm.MaxAttempts,
			StateVariables:   s.cfg.Confirm.StateVariables,
		}, s.logger)
	if err != nil {
		return err
	}
	defer s.stage(ctx, "confirm", time.Now())
	stats, err := confirmer.Confirm(ctx, projectID)
	sum.Confirm = stats
	sum.Usage = sum.Usage.Add(stats.Usage)
	if s.metrics != nil {
		s.metrics.RecordTokens(ctx, "confirm", stats.Usage.PromptTokens, stats.Usage.CompletionTokens)
	}
	return err
}

// Run plans, scans and confirms in sequence.
func (s *Service) Run(ctx context.Context, p Project) (*Summary, error) {
	if p.ID == "" {
		return nil, ErrNoProjectID
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Service.Run", trace.WithAttributes(attribute.String("project.id", p.ID)))
	defer span.End()

	a, err := s.Analyze(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ProjectID: p.ID, Functions: len(a.ToCheck)}
	if err := s.detect(ctx, p.ID, a, sum); err != nil {
		span.RecordError(err)
		return sum, err
	}
	if err := s.confirm(ctx, p.ID, a, sum); err != nil {
		span.RecordError(err)
		return sum, err
	}
	sum.Duration = time.Since(start)
	s.logger.Info("Audit finished",
		slog.String("project", p.ID),
		slog.Int("planned", sum.Planned),
		slog.Int("scanned", sum.Scan.Scanned),
		slog.Int("confirmed", sum.Confirm.Confirmed),
		slog.Int("tokens", sum.Usage.Total()),
		slog.Duration("duration", sum.Duration))
	return sum, nil
}

// Report builds the findings report of a project.
func (s *Service) Report(ctx context.Context, projectID string) (*report.Report, error) {
	if projectID == "" {
		return nil, ErrNoProjectID
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", projectID, err)
	}
	r := report.Build(tasks, report.Options{
		Verdicts:  s.cfg.Report.Verdicts,
		Threshold: s.cfg.Report.Threshold,
		Logger:    s.logger,
	})
	s.logger.Info("Report built",
		slog.String("project", projectID),
		slog.Int("tasks", len(tasks)),
		slog.Int("findings", len(r.Results)))
	return r, nil
}

func (s *Service) stage(ctx context.Context, name string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStage(ctx, name, time.Since(start).Seconds())
	}
}

func metricLanguage(lang ast.Language) metric.AddOption {
	return metric.WithAttributes(attribute.String("language", string(lang)))
}
