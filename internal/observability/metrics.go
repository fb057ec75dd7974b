// Package observability provides Prometheus metrics, health checks, logging
// and tracing for the connector.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture outcome label values.
const (
	OutcomeCaptured      = "captured"
	OutcomeSkipped       = "skipped"
	OutcomeError         = "capture_error"
	OutcomeFailedCapture = "failed_capture"
)

// Metrics holds every Prometheus metric the connector exports.
//
// Key metrics for alerting:
//   - capture_queue_size / capture_waiting_queue_size: capture backlog
//   - capture_outcomes_total{outcome="capture_error"}: charges abandoned after retries
//   - events_dead_lettered_total: events that never reached the ledger
//   - events_derivation_failed_total: transitions dropped because the resource was missing
type Metrics struct {
	CaptureQueueSize        prometheus.Gauge
	CaptureWaitingQueueSize prometheus.Gauge
	CaptureOutcomes         *prometheus.CounterVec
	CaptureRunDuration      prometheus.Histogram
	CaptureRunsRejected     prometheus.Counter
	CaptureRunsAborted      prometheus.Counter

	EventsOffered          *prometheus.CounterVec
	EventsPublished        *prometheus.CounterVec
	EventsDeduplicated     prometheus.Counter
	EventsRetrying         prometheus.Counter
	EventsThrottled        prometheus.Counter
	EventsDeadLettered     prometheus.Counter
	EventsDerivationFailed *prometheus.CounterVec
	TransitionQueueDepth   prometheus.Gauge
	PublishDuration        prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// means the default registry. The namespace prefixes every name
// (e.g. "connector_capture_queue_size").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CaptureQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_queue_size",
			Help:      "Charges currently eligible for capture",
		}),
		CaptureWaitingQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_waiting_queue_size",
			Help:      "Charges waiting for their capture retry window to elapse",
		}),
		CaptureOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_outcomes_total",
			Help:      "Capture attempts by outcome",
		}, []string{"outcome"}),
		CaptureRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_run_duration_seconds",
			Help:      "Duration of a capture batch run",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		CaptureRunsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_runs_rejected_total",
			Help:      "Capture triggers rejected because a run was already in flight",
		}),
		CaptureRunsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_runs_aborted_total",
			Help:      "Capture runs stopped by an unexpected error",
		}),

		EventsOffered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_offered_total",
			Help:      "Events offered to the transition queue",
		}, []string{"event_type"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events successfully published to the ledger",
		}, []string{"event_type"}),
		EventsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduplicated_total",
			Help:      "Events dropped because they had been emitted before",
		}),
		EventsRetrying: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_retrying_total",
			Help:      "Emissions re-queued after a failed publish",
		}),
		EventsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_throttled_total",
			Help:      "Emissions re-queued because the publisher applied backpressure",
		}),
		EventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Emissions that exhausted their publish attempts",
		}),
		EventsDerivationFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_derivation_failed_total",
			Help:      "Transitions dropped because their events could not be built",
		}, []string{"resource_type"}),
		TransitionQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transition_queue_depth",
			Help:      "Emissions waiting in the in-memory transition queue",
		}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of ledger publish calls",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"name"}),
		RateLimiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}, []string{"name"}),
	}
}
