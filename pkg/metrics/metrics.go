// Package metrics exposes prometheus collectors for the control plane.
// Collectors register on the default registry; the daemon serves them on
// the standard /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_dispatch_total",
			Help: "Task dispatch attempts by transport mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_retries_scheduled_total",
			Help: "Retry runs scheduled by the retry orchestrator",
		},
	)

	runTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_run_transitions_total",
			Help: "Run state transitions by target aggregate status",
		},
		[]string{"status"},
	)

	droppedLogRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_log_records_dropped_total",
			Help: "Log records dropped on buffer overrun, by reason",
		},
		[]string{"reason"},
	)

	droppedHubMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_hub_messages_dropped_total",
			Help: "Hub fan-out messages dropped on queue overflow",
		},
	)

	receiptHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_receipt_cache_hits_total",
			Help: "Duplicate submissions resolved from the receipt cache",
		},
		[]string{"operation"},
	)

	workersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_workers_online",
			Help: "Workers currently in the online state",
		},
	)

	hubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_hub_connections",
			Help: "Open WebSocket subscriber connections",
		},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_dispatch_duration_seconds",
			Help:    "Wall time from fire to dispatch outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

// RecordDispatch increments the dispatch counter.
// mode is "intranet" or "gateway"; outcome is "queued", "rejected",
// "timeout", or "error".
func RecordDispatch(mode, outcome string) {
	dispatchTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordRetryScheduled counts a retry run scheduled by the orchestrator.
func RecordRetryScheduled() {
	retriesScheduled.Inc()
}

// RecordRunTransition counts a run reaching the given aggregate status.
func RecordRunTransition(status string) {
	runTransitions.WithLabelValues(status).Inc()
}

// RecordDroppedLogRecords counts log records dropped on buffer overrun.
func RecordDroppedLogRecords(reason string, n int) {
	droppedLogRecords.WithLabelValues(reason).Add(float64(n))
}

// RecordDroppedHubMessage counts a fan-out message dropped on overflow.
func RecordDroppedHubMessage() {
	droppedHubMessages.Inc()
}

// RecordReceiptHit counts a duplicate resolved from the receipt cache.
// operation is "ack_task" or "report_result".
func RecordReceiptHit(operation string) {
	receiptHits.WithLabelValues(operation).Inc()
}

// SetWorkersOnline sets the online-worker gauge.
func SetWorkersOnline(n int) {
	workersOnline.Set(float64(n))
}

// HubConnectionOpened increments the hub connection gauge.
func HubConnectionOpened() {
	hubConnections.Inc()
}

// HubConnectionClosed decrements the hub connection gauge.
func HubConnectionClosed() {
	hubConnections.Dec()
}

// ObserveDispatchDuration records the wall time of one dispatch attempt.
func ObserveDispatchDuration(mode string, seconds float64) {
	dispatchDuration.WithLabelValues(mode).Observe(seconds)
}
