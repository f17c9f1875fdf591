// Package metrics owns the Prometheus collectors shared across the core.
// One Metrics value is built at startup and handed to the components that
// increment it; tests use NewNop to avoid global registry collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codesmith"

// Metrics bundles every collector the orchestrator exports.
type Metrics struct {
	// JobsTotal counts jobs by terminal status.
	JobsTotal *prometheus.CounterVec
	// JobsActive tracks currently admitted jobs.
	JobsActive prometheus.Gauge
	// AttemptsTotal counts attempts by phase and outcome.
	AttemptsTotal *prometheus.CounterVec
	// BackendCallSeconds observes inference call latency by operation.
	BackendCallSeconds *prometheus.HistogramVec
	// EnsembleDegradations counts strategy downgrades by requested strategy.
	EnsembleDegradations *prometheus.CounterVec
	// SelectorResets counts exclusion-set resets (primary-model fallback).
	SelectorResets prometheus.Counter
	// LearningQueueDepth is the current backlog of unwritten outcome records.
	LearningQueueDepth prometheus.Gauge
	// LearningDropped counts outcome records dropped under backpressure.
	LearningDropped prometheus.Counter
	// MemoryCallsTotal counts memory-service calls by tool and result.
	MemoryCallsTotal *prometheus.CounterVec
}

// New registers all collectors against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Jobs by terminal status.",
		}, []string{"status"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently running.",
		}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attempts",
			Name:      "total",
			Help:      "Attempts by phase and outcome.",
		}, []string{"phase", "outcome"}),
		BackendCallSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_seconds",
			Help:      "Inference backend call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"op"}),
		EnsembleDegradations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ensemble",
			Name:      "degradations_total",
			Help:      "Strategy downgrades caused by too few disjoint models.",
		}, []string{"requested"}),
		SelectorResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "resets_total",
			Help:      "Exclusion-set resets that fell back to the primary model.",
		}),
		LearningQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "queue_depth",
			Help:      "Outcome records waiting for the background writer.",
		}),
		LearningDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "dropped_total",
			Help:      "Outcome records dropped because the queue was full.",
		}),
		MemoryCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "calls_total",
			Help:      "Memory-service calls by tool and result.",
		}, []string{"tool", "result"}),
	}
}

// NewNop returns a bundle wired to a private registry. Increments are valid
// but never exported; intended for tests and optional components.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
