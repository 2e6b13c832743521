// Package metrics exposes the Prometheus instrumentation shared by the
// control service and the execution engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts finished router operations.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routerpilot",
		Name:      "operations_total",
		Help:      "Router operations by action, final status, and device brand.",
	}, []string{"action", "status", "brand"})

	// AdapterCallDuration observes wall time of single adapter calls.
	AdapterCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "routerpilot",
		Name:      "adapter_call_duration_seconds",
		Help:      "Latency of vendor adapter calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"brand", "action"})

	// TaskRetriesTotal counts engine task retry attempts.
	TaskRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routerpilot",
		Name:      "task_retries_total",
		Help:      "Async task attempts beyond the first.",
	})

	// QueueDepth tracks pending tasks in the engine queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "routerpilot",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the async execution queue.",
	})

	// HealthSweepDuration observes full health-check sweeps.
	HealthSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "routerpilot",
		Name:      "health_sweep_duration_seconds",
		Help:      "Duration of HealthCheckAll sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
