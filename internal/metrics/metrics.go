// Package metrics exposes Prometheus instrumentation for chore actions and scanner passes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActionsTotal counts engine actions by name and outcome (ok, denied, invalid, not_found, error).
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreline_actions_total",
			Help: "Chore actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "choreline_scans_total",
			Help: "Completed boundary scanner passes",
		},
	)

	// TaskScansTotal counts per-task sweeps by result (changed, unchanged, busy, failed).
	TaskScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreline_task_scans_total",
			Help: "Per-task boundary sweeps by result",
		},
		[]string{"result"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "choreline_scan_duration_seconds",
			Help:    "Duration of a full scanner pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreline_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome (ok, failed, open)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(TaskScansTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(WebhookDeliveries)
}

// RecordAction records the outcome of one engine action.
func RecordAction(action, outcome string) {
	ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordTaskScan records the result of sweeping one task.
func RecordTaskScan(result string) {
	TaskScansTotal.WithLabelValues(result).Inc()
}

// RecordScan records a finished scanner pass.
func RecordScan(duration time.Duration) {
	ScansTotal.Inc()
	ScanDuration.Observe(duration.Seconds())
}

func RecordDelivery(outcome string) {
	WebhookDeliveries.WithLabelValues(outcome).Inc()
}
