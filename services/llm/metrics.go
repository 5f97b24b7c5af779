// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for LLM Calls
// =============================================================================

var (
	// callLatency measures backend round trips.
	// Labels: client, mode (ask, json), status (success, empty, error)
	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian_audit",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM call latency in seconds",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"client", "mode", "status"})

	// callsTotal counts calls by outcome.
	// Labels: client, mode, status
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_audit",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total LLM calls by outcome",
	}, []string{"client", "mode", "status"})

	// tokensTotal counts tokens by direction.
	// Labels: client, direction (prompt, completion)
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_audit",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Total tokens sent and received",
	}, []string{"client", "direction"})
)

// Instrumented records latency, outcome and token metrics for a Client.
type Instrumented struct {
	next Client
}

// NewInstrumented wraps next with Prometheus metrics.
func NewInstrumented(next Client) *Instrumented {
	return &Instrumented{next: next}
}

// Name implements Client.
func (i *Instrumented) Name() string {
	return i.next.Name()
}

// Ask implements Client.
func (i *Instrumented) Ask(ctx context.Context, prompt string) (Completion, error) {
	start := time.Now()
	c, err := i.next.Ask(ctx, prompt)
	i.record("ask", start, c, err)
	return c, err
}

// AskForJSON implements Client.
func (i *Instrumented) AskForJSON(ctx context.Context, prompt string) (Completion, error) {
	start := time.Now()
	c, err := i.next.AskForJSON(ctx, prompt)
	i.record("json", start, c, err)
	return c, err
}

func (i *Instrumented) record(mode string, start time.Time, c Completion, err error) {
	name := i.next.Name()
	status := "success"
	switch {
	case errors.Is(err, ErrEmptyResponse):
		status = "empty"
	case err != nil:
		status = "error"
	}
	callLatency.WithLabelValues(name, mode, status).Observe(time.Since(start).Seconds())
	callsTotal.WithLabelValues(name, mode, status).Inc()
	tokensTotal.WithLabelValues(name, "prompt").Add(float64(c.Usage.PromptTokens))
	tokensTotal.WithLabelValues(name, "completion").Add(float64(c.Usage.CompletionTokens))
}
