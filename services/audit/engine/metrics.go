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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.audit.engine")

// =============================================================================
// Prometheus Metrics for Engine Phases
// =============================================================================

var (
	// taskOutcomes counts per-task results.
	// Labels: phase (scan, expand, confirm), outcome
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_audit",
		Subsystem: "engine",
		Name:      "task_outcomes_total",
		Help:      "Tasks processed by phase and outcome",
	}, []string{"phase", "outcome"})

	// verdictsTotal counts final confirmation verdicts.
	// Labels: verdict (yes, no, not sure)
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_audit",
		Subsystem: "engine",
		Name:      "verdicts_total",
		Help:      "Final confirmation verdicts",
	}, []string{"verdict"})

	// attemptsPerTask observes how many voting attempts a task needed.
	attemptsPerTask = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aleutian_audit",
		Subsystem: "engine",
		Name:      "confirmation_attempts",
		Help:      "Voting attempts per confirmed task",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// phaseDuration measures wall time of a whole phase.
	// Labels: phase
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian_audit",
		Subsystem: "engine",
		Name:      "phase_duration_seconds",
		Help:      "Phase wall time in seconds",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"phase"})
)
