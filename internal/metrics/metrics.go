// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics declares the flow engine's Prometheus collectors.
// All counters/histograms are package-level vars registered via
// promauto, following the same convention the routing subsystem uses
// for its own dispatch metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchLatency measures handler invocation time by flow name and
	// outcome ("ok", "error", "concurrency_conflict").
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowengine",
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Flow handler invocation latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"flow", "outcome"})

	// DispatchTotal counts every dispatched event by flow and outcome.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "dispatch",
		Name:      "events_total",
		Help:      "Total events dispatched to a flow handler",
	}, []string{"flow", "outcome"})

	// SessionCommits counts SessionStore.Commit outcomes.
	SessionCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "session",
		Name:      "commits_total",
		Help:      "Total session store commit attempts",
	}, []string{"outcome"}) // "ok" | "concurrency_conflict" | "error"

	// CacheHits/CacheMisses track SessionStore.Load's cache behavior.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "session",
		Name:      "cache_hits_total",
		Help:      "Session cache hits on Load",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "session",
		Name:      "cache_misses_total",
		Help:      "Session cache misses on Load",
	})

	// DedupClaims counts ClaimMessage outcomes.
	DedupClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "dedup",
		Name:      "claims_total",
		Help:      "Message dedup claim outcomes",
	}, []string{"outcome"}) // "claimed" | "duplicate"

	// RateLimitDecisions counts Check outcomes by kind and backend tier.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter allow/deny decisions",
	}, []string{"kind", "tier", "allowed"})

	// BackgroundInFlight is a gauge of tasks currently running in the
	// background worker pool.
	BackgroundInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowengine",
		Subsystem: "background",
		Name:      "in_flight",
		Help:      "Background tasks currently executing",
	})

	// BackgroundRejected counts Submit calls rejected because the pool
	// was at capacity.
	BackgroundRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "background",
		Name:      "rejected_total",
		Help:      "Background task submissions rejected at capacity",
	})

	// CircuitBreakerState is a gauge per service name: 0=closed,
	// 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowengine",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per outbound service (0=closed,1=half-open,2=open)",
	}, []string{"service"})

	// DLQWrites counts dead-letter records persisted, by error kind.
	DLQWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "dlq",
		Name:      "writes_total",
		Help:      "Dead-letter records written, by error kind",
	}, []string{"kind"})

	// ReaperActions counts warning/close actions taken by the timeout
	// reaper sweep.
	ReaperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowengine",
		Subsystem: "reaper",
		Name:      "actions_total",
		Help:      "Session timeout reaper actions taken",
	}, []string{"action"}) // "warning_sent" | "warning_error" | "session_closed" | "close_error"
)
