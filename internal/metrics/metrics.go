// Package metrics provides Prometheus metrics for the onboarding service.
// All metrics use the "onboarding" namespace and register with the default
// registry via promauto, so /metrics picks them up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "onboarding"

var (
	// DecisionsTotal counts submitted decisions by stage, decision kind and outcome.
	// outcome: applied | unauthorized | stale | invalid | error
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "decisions_total",
			Help:      "Total number of approval decisions by stage, decision and outcome.",
		},
		[]string{"stage", "decision", "outcome"},
	)

	// WorkflowsTerminalTotal counts workflows reaching a terminal status.
	WorkflowsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "terminal_total",
			Help:      "Total number of workflows reaching COMPLETED or REJECTED.",
		},
		[]string{"status"},
	)

	// EscalationsTotal counts escalations by stage and trigger (manual | timeout).
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "escalations_total",
			Help:      "Total number of stage escalations by stage and trigger.",
		},
		[]string{"stage", "trigger"},
	)

	// StepAttemptsTotal counts provisioning step attempts by step and outcome.
	StepAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "step_attempts_total",
			Help:      "Total number of provisioning step attempts by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	// ProcessesTotal counts provisioning processes reaching a terminal status.
	ProcessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "processes_total",
			Help:      "Total number of provisioning processes by terminal status.",
		},
		[]string{"status"},
	)

	// ProcessDurationSeconds tracks saga wall-clock time.
	ProcessDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "process_duration_seconds",
			Help:      "Duration of provisioning sagas in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// AuditWriteFailuresTotal counts audit entries that could not be persisted.
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Total number of audit entries that failed to persist.",
		},
	)

	// NotificationFailuresTotal counts notifications that could not be published.
	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "failures_total",
			Help:      "Total number of failed notification publishes by template.",
		},
		[]string{"template"},
	)
)
