// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration on the gateway.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests on the gateway.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// UpstreamRequestsTotal tracks outbound requests to the chat provider by outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total outbound requests to the chat provider",
		},
		[]string{"endpoint", "outcome"},
	)

	// UpstreamRetriesTotal tracks retried outbound attempts.
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total retried outbound attempts",
		},
		[]string{"endpoint"},
	)

	// UpstreamRequestDuration tracks outbound request duration.
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Outbound request duration including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint"},
	)

	// StreamEventsTotal tracks normalized stream events by kind.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Normalized stream events emitted",
		},
		[]string{"kind"},
	)

	// StreamRecordsRepaired tracks malformed stream records recovered by repair.
	StreamRecordsRepaired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_records_repaired_total",
			Help: "Malformed stream records recovered by JSON repair",
		},
	)

	// StreamRecordsDropped tracks malformed stream records dropped after repair failed.
	StreamRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_records_dropped_total",
			Help: "Malformed stream records dropped after repair failed",
		},
	)

	// TurnsActive tracks turns currently streaming.
	TurnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turns_active",
			Help: "Number of turns currently in flight",
		},
	)

	// TurnDuration tracks end-to-end turn duration by terminal outcome.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "End-to-end turn duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"outcome"},
	)

	// HistoryCacheTotal tracks history cache lookups by result.
	HistoryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_cache_total",
			Help: "History cache lookups",
		},
		[]string{"entry", "result"},
	)
)

// RecordRequest records metrics for a gateway HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordUpstreamRequest records the outcome of one outbound exchange.
func RecordUpstreamRequest(endpoint, outcome string, duration float64) {
	UpstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	UpstreamRequestDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordStreamEvent records one normalized stream event.
func RecordStreamEvent(kind string) {
	StreamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheLookup records a history cache hit or miss.
func RecordCacheLookup(entry string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	HistoryCacheTotal.WithLabelValues(entry, result).Inc()
}
