package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of executions by mode and how they ended",
		},
		[]string{"mode", "outcome"}, // outcome: "success", "failure", "stopped", "replaced", "error"
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_executions",
			Help: "Number of executions currently in flight",
		},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_sessions",
			Help: "Number of connected client sessions",
		},
	)

	SandboxesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_sandboxes_created_total",
			Help: "Total number of sandboxes provisioned",
		},
	)

	SandboxesDestroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_sandboxes_destroyed_total",
			Help: "Total number of sandbox destroy requests issued",
		},
	)

	ProvisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_sandbox_provision_seconds",
			Help:    "Time to create a sandbox and inject the artifact",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	CasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_grading_cases_total",
			Help: "Total number of graded test cases by result",
		},
		[]string{"result"}, // result: "passed", "failed", "timeout"
	)

	CaseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_grading_case_seconds",
			Help:    "Wall-clock time per graded test case",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of connections rejected by the rate limiter",
		},
	)
)
