// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs               *prometheus.CounterVec
	activeRuns         prometheus.Gauge
	recoveryFailures   prometheus.Counter
	runDurationSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Deployment runs by final outcome",
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Executor processes currently tracked",
		}),
		recoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "orchestrator",
			Name:      "credential_recovery_failures_total",
			Help:      "Hosts whose credential could not be recovered",
		}),
		runDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall clock time of executed runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	if reg == nil {
		return m
	}
	m.runs = register(reg, m.runs)
	m.activeRuns = register(reg, m.activeRuns)
	m.recoveryFailures = register(reg, m.recoveryFailures)
	m.runDurationSeconds = register(reg, m.runDurationSeconds)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) runFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDurationSeconds.Observe(seconds)
}

func (m *Metrics) processStarted() {
	if m != nil {
		m.activeRuns.Inc()
	}
}

func (m *Metrics) processExited() {
	if m != nil {
		m.activeRuns.Dec()
	}
}

func (m *Metrics) recoveryFailed() {
	if m != nil {
		m.recoveryFailures.Inc()
	}
}
