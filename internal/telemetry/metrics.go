// Package telemetry provides Prometheus metrics for pipeline monitoring.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderCallsTotal counts outbound provider calls.
	// Labels: provider, result (success, transient_error, permanent_error, cache_hit)
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patientmapd",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of provider invocations by result",
		},
		[]string{"provider", "result"},
	)

	// BudgetWaitSeconds tracks time spent waiting for a budget permit.
	BudgetWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patientmapd",
			Subsystem: "budget",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a provider budget permit",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// BudgetThrottlesTotal counts explicit throttle signals from providers.
	BudgetThrottlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patientmapd",
			Subsystem: "budget",
			Name:      "throttles_total",
			Help:      "Total throttling responses observed per provider",
		},
		[]string{"provider"},
	)

	// PhaseDurationSeconds tracks wall time per pipeline phase.
	PhaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patientmapd",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Duration of completed pipeline phases",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase", "status"},
	)

	// WorkUnitsTotal counts finished work units.
	// Labels: kind, status (success, partial_success, failure)
	WorkUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patientmapd",
			Subsystem: "pipeline",
			Name:      "work_units_total",
			Help:      "Total number of completed work unit runs",
		},
		[]string{"kind", "status"},
	)

	// LoopIterations tracks iterations consumed by producer/verifier loops.
	LoopIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patientmapd",
			Subsystem: "pipeline",
			Name:      "loop_iterations",
			Help:      "Iterations used before a loop terminated",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"loop", "outcome"},
	)

	// GraphMutationsTotal counts applied graph mutations.
	// Labels: kind (merge_node, merge_edge, annotate), result (applied, conflict, error)
	GraphMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patientmapd",
			Subsystem: "graph",
			Name:      "mutations_total",
			Help:      "Total graph mutations by kind and result",
		},
		[]string{"kind", "result"},
	)
)
