// Package metrics defines warden's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	blockExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_block_executions_total",
			Help: "Pipeline block executions by block type, backend and result",
		},
		[]string{"type", "backend", "result"},
	)

	blockDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_block_duration_seconds",
			Help:    "Duration of pipeline block executions",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"type", "backend"},
	)

	cliHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_cli_health_state",
			Help: "CLI backend health (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_decisions_total",
			Help: "Approval decisions by action and status",
		},
		[]string{"action", "status"},
	)

	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_scheduler_ticks_total",
			Help: "Completed scheduler ticks by job",
		},
		[]string{"job"},
	)

	taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_task_transitions_total",
			Help: "Task status transitions by target status",
		},
		[]string{"to"},
	)
)

// RecordBlock records one block execution.
func RecordBlock(blockType, backend string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	blockExecutions.WithLabelValues(blockType, backend, result).Inc()
	blockDuration.WithLabelValues(blockType, backend).Observe(d.Seconds())
}

// RecordSkippedBlock records a block that was logged without running.
func RecordSkippedBlock(blockType string) {
	blockExecutions.WithLabelValues(blockType, "", "skipped").Inc()
}

// SetHealthState marks current as the active CLI health state.
func SetHealthState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		cliHealthState.WithLabelValues(s).Set(v)
	}
}

// RecordDecision counts a created or resolved decision.
func RecordDecision(action, status string) {
	decisions.WithLabelValues(action, status).Inc()
}

// RecordTick counts a completed scheduler tick.
func RecordTick(job string) {
	schedulerTicks.WithLabelValues(job).Inc()
}

// RecordTransition counts a task entering a status.
func RecordTransition(to string) {
	taskTransitions.WithLabelValues(to).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
