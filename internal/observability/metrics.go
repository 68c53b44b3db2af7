package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_ingested_messages_total",
			Help: "Total number of inbound messages ingested, by merge outcome.",
		},
		[]string{"outcome"},
	)
	reconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reconciles_total",
			Help: "Total number of conversation reconciliations, by result.",
		},
		[]string{"result"},
	)
	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_publishes_total",
			Help: "Total number of outgoing publish attempts, by kind and status.",
		},
		[]string{"kind", "status"},
	)
	uploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_upload_duration_seconds",
			Help:    "Object storage upload latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)
	explodeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_explode_transitions_total",
			Help: "Total number of explosion state machine transitions.",
		},
		[]string{"to"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_amqp_publish_errors_total",
			Help: "Total number of AMQP audit publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ingestedMessagesTotal,
		reconcilesTotal,
		publishesTotal,
		uploadDuration,
		explodeTransitionsTotal,
		amqpPublishErrorsTotal,
	)
}

// IncIngested records one ingested message by merge outcome
// (adopted, preserved, merged, inserted, reaction, control, dropped).
func IncIngested(outcome string) {
	ingestedMessagesTotal.WithLabelValues(outcome).Inc()
}

// IncReconcile records one reconciliation by result (merged, updated,
// inserted, failed).
func IncReconcile(result string) {
	reconcilesTotal.WithLabelValues(result).Inc()
}

// IncPublish records one outgoing publish attempt.
func IncPublish(kind, status string) {
	publishesTotal.WithLabelValues(kind, status).Inc()
}

// ObserveUpload records an upload duration for a variant
// (ciphertext, preview, attachment).
func ObserveUpload(variant string, d time.Duration) {
	uploadDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// IncExplodeTransition records an explosion state machine transition.
func IncExplodeTransition(to string) {
	explodeTransitionsTotal.WithLabelValues(to).Inc()
}

// IncAMQPPublishError records a failed audit publish.
func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
