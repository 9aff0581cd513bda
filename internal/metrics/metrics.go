// Package metrics holds the Prometheus instruments for the intake pipeline,
// the decision dispatcher and the access guard.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global     *Metrics
	globalOnce sync.Once
)

// Metrics holds the process-wide Prometheus instruments.
type Metrics struct {
	// Intake pipeline
	MessagesTotal     *prometheus.CounterVec
	EnhancerCalls     *prometheus.CounterVec
	ExtractConfidence prometheus.Histogram

	// Decision dispatch
	DecisionsTotal  *prometheus.CounterVec
	PrimaryDuration *prometheus.HistogramVec
	BreakerState    prometheus.Gauge

	// Access guard
	GuardRejections *prometheus.CounterVec

	// Review wizard
	ReviewSessions prometheus.Gauge

	// Datastore snapshot
	OficiosByStatus *prometheus.GaugeVec
	SyncPending     prometheus.Gauge
	OutboxPending   prometheus.Gauge
	DLQDepth        prometheus.Gauge
}

// Get returns the process-wide metrics, registering them on first use.
//
// Metrics:
//   - oficio_messages_total{outcome} - messages handled per ingest outcome
//   - oficio_enhancer_calls_total{result} - LLM enhancer calls
//   - oficio_extraction_confidence - merged overall confidence
//   - oficio_decisions_total{action,path} - decisions by delivery path
//   - oficio_primary_request_duration_seconds{result} - primary service latency
//   - oficio_primary_breaker_state - 0 closed, 1 open, 2 half-open
//   - oficio_guard_rejections_total{reason} - trigger requests refused by the guard
//   - oficio_review_sessions - live review sessions
//   - oficio_oficios{status}, oficio_sync_pending, oficio_outbox_pending, oficio_dlq_depth
func Get() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oficio_messages_total",
					Help: "Messages handled by the intake pipeline by outcome",
				},
				[]string{"outcome"}, // imported, needs_review, skipped, failed
			),
			EnhancerCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oficio_enhancer_calls_total",
					Help: "LLM enhancer calls by result",
				},
				[]string{"result"}, // ok, failed
			),
			ExtractConfidence: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "oficio_extraction_confidence",
					Help:    "Merged overall extraction confidence",
					Buckets: prometheus.LinearBuckets(0, 10, 11),
				},
			),
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oficio_decisions_total",
					Help: "Decisions dispatched by action and delivery path",
				},
				[]string{"action", "path"}, // primary, fallback, rejected, duplicate, error
			),
			PrimaryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "oficio_primary_request_duration_seconds",
					Help:    "Primary decision service call duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
				},
				[]string{"result"},
			),
			BreakerState: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "oficio_primary_breaker_state",
					Help: "Primary circuit breaker state (0 closed, 1 open, 2 half-open)",
				},
			),
			GuardRejections: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oficio_guard_rejections_total",
					Help: "Ingestion trigger requests refused by the access guard",
				},
				[]string{"reason"}, // validation, rate_limit, unauthorized, forbidden, misconfigured
			),
			ReviewSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "oficio_review_sessions",
					Help: "Live review sessions",
				},
			),
			OficiosByStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "oficio_oficios",
					Help: "Oficios in the secondary datastore by status",
				},
				[]string{"status"},
			),
			SyncPending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "oficio_sync_pending",
					Help: "Oficios written on the fallback path awaiting primary sync",
				},
			),
			OutboxPending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "oficio_outbox_pending",
					Help: "Decisions waiting in the outbox",
				},
			),
			DLQDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "oficio_dlq_depth",
					Help: "Messages in the dead-letter table",
				},
			),
		}
	})
	return global
}

// RecordMessage counts one ingest outcome.
func (m *Metrics) RecordMessage(outcome string) {
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordEnhancer counts one enhancer call.
func (m *Metrics) RecordEnhancer(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.EnhancerCalls.WithLabelValues(result).Inc()
}

// RecordDecision counts one dispatched decision.
func (m *Metrics) RecordDecision(action, path string) {
	m.DecisionsTotal.WithLabelValues(action, path).Inc()
}

// RecordPrimaryCall observes one primary service call.
func (m *Metrics) RecordPrimaryCall(result string, seconds float64) {
	m.PrimaryDuration.WithLabelValues(result).Observe(seconds)
}

// RecordGuardRejection counts one refused trigger request.
func (m *Metrics) RecordGuardRejection(reason string) {
	m.GuardRejections.WithLabelValues(reason).Inc()
}
