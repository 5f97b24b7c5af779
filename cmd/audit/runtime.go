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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAudit/pkg/logging"
	"github.com/AleutianAI/AleutianAudit/services/audit"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
	"go.opentelemetry.io/otel"
)

const serviceName = "aleutian-audit"

// overrides holds the command-line values that take precedence over the
// config file and the environment. Empty fields leave cfg unchanged.
type overrides struct {
	ProjectPath string
	ProjectID   string
	Output      string
	DatabaseURL string
	LogLevel    string
	MetricsAddr string
	Trace       string
}

func currentOverrides() overrides {
	return overrides{
		ProjectPath: projectPath,
		ProjectID:   projectID,
		Output:      outputPath,
		DatabaseURL: databaseURL,
		LogLevel:    logLevel,
		MetricsAddr: metricsAddr,
		Trace:       traceMode,
	}
}

// loadConfig reads path, applies o and validates the result.
func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.ProjectPath, o.ProjectPath)
	set(&cfg.ProjectID, o.ProjectID)
	set(&cfg.Output, o.Output)
	set(&cfg.DatabaseURL, o.DatabaseURL)
	set(&cfg.Logging.Level, strings.ToLower(o.LogLevel))
	set(&cfg.Telemetry.MetricsAddr, o.MetricsAddr)
	set(&cfg.Telemetry.TraceExporter, strings.ToLower(o.Trace))

	if cfg.ProjectID == "" && cfg.ProjectPath != "" {
		cfg.ProjectID = filepath.Base(filepath.Clean(cfg.ProjectPath))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime owns everything a command needs and releases it in Close.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	store   store.TaskStore
	service *audit.Service
	metrics *telemetry.Metrics

	closers []func(context.Context) error
}

// setup builds the runtime for one command invocation.
//
// Description:
//
//	Loads configuration, starts logging and telemetry, opens the task
//	store, builds the LLM clients and the similarity index, and wires
//	them into an audit.Service. Partially built resources are released
//	when a later step fails.
//
// Inputs:
//
//	ctx - Bounds schema migration and index setup.
//
// Outputs:
//
//	*runtime - Must be closed by the caller.
//	error - Non-nil when any dependency cannot be created.
func setup(ctx context.Context) (rt *runtime, err error) {
	cfg, err := loadConfig(configPath, currentOverrides())
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
	})
	rt = &runtime{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: telemetry.DefaultConfig().ServiceVersion,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return rt, fmt.Errorf("telemetry: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	if cfg.Telemetry.MetricsAddr != "" {
		rt.serveMetrics(cfg.Telemetry.MetricsAddr)
	}

	rt.metrics, err = telemetry.NewMetrics(otel.Meter("aleutian.audit"))
	if err != nil {
		return rt, fmt.Errorf("metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return rt, err
	}
	rt.store = st
	rt.closers = append(rt.closers, func(context.Context) error { return st.Close() })

	clients, err := audit.NewClients(cfg.LLM, logger.Slog())
	if err != nil {
		return rt, err
	}

	idx, closeIndex, err := audit.NewIndex(ctx, cfg.Search, logger.Slog())
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeIndex() })

	opts := []audit.Option{audit.WithMetrics(rt.metrics), audit.WithLogger(logger.Slog())}
	if idx != nil {
		opts = append(opts, audit.WithIndex(idx))
	}
	rt.service, err = audit.NewService(cfg, st, clients, opts...)
	if err != nil {
		return rt, err
	}
	return rt, nil
}

// serveMetrics exposes /metrics until the runtime closes.
func (rt *runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Warn("Metrics server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	rt.log.Info("Serving metrics", slog.String("addr", addr))
	rt.closers = append(rt.closers, srv.Shutdown)
}

// project returns the audited project from the resolved configuration.
func (rt *runtime) project() audit.Project {
	return audit.Project{ID: rt.cfg.ProjectID, Path: rt.cfg.ProjectPath}
}

// Close releases resources in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := rt.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
