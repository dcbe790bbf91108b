// Package metrics registers the Prometheus collectors shared by the
// pipeline services and serves the scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Channel traffic.
	EnvelopesConsumed *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec

	// Stage work.
	StageDuration          *prometheus.HistogramVec
	AttachmentsProcessed   *prometheus.CounterVec
	ClassificationOutcomes *prometheus.CounterVec

	// Reconciliation.
	ReconcileApplied prometheus.Counter
	ReconcileStale   prometheus.Counter
	ReconcileMisses  prometheus.Counter
	SnapshotWrites   *prometheus.CounterVec

	// HTTP surface.
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

func New(namespace string) *Metrics {
	return &Metrics{
		EnvelopesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_consumed_total",
			Help:      "Messages consumed, by topic and handling result.",
		}, []string{"topic", "result"}),

		PublishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed publishes, by topic.",
		}, []string{"topic"}),

		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent handling one submission in a stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"stage"}),

		AttachmentsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_processed_total",
			Help:      "Attachments processed by the extraction stage, by outcome.",
		}, []string{"outcome"}),

		ClassificationOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_outcomes_total",
			Help:      "Attachment classifications, by outcome.",
		}, []string{"outcome"}),

		ReconcileApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_applied_total",
			Help:      "Pipeline events applied to the submission store.",
		}),

		ReconcileStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_stale_total",
			Help:      "Pipeline events whose status write was superseded by a newer one.",
		}),

		ReconcileMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_misses_total",
			Help:      "Pipeline events referencing a submission the store does not have.",
		}),

		SnapshotWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Status snapshot cache writes, by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, path and status.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}
}
