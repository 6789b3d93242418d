// Package metrics provides Prometheus collectors and HTTP middleware for
// monitoring the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// StreamBuckets covers first-byte and full-stream latencies of chat
// completions, from 100ms to 120s.
var StreamBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by route, method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration records the time until the handler returned, which
	// for relayed streams includes the whole stream.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Request duration",
			Buckets: StreamBuckets,
		},
		[]string{"route", "method"},
	)

	// StreamsActive tracks relayed streams currently open.
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Active relayed streams",
		},
	)

	// StreamOutcomes counts finished streams by final state.
	StreamOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_outcomes_total",
			Help: "Finished streams by state",
		},
		[]string{"state"},
	)

	// FragmentsTotal counts text fragments written to callers.
	FragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fragments_total",
			Help: "Text fragments relayed",
		},
	)

	// MalformedEventsTotal counts upstream events skipped as unusable.
	MalformedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_malformed_events_total",
			Help: "Skipped upstream events",
		},
	)

	// UpstreamLatency records the time until upstream response headers arrived.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_latency_seconds",
			Help:    "Upstream time to headers",
			Buckets: StreamBuckets,
		},
		[]string{"outcome"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamsActive,
		StreamOutcomes,
		FragmentsTotal,
		MalformedEventsTotal,
		UpstreamLatency,
		RateLimitRejectedTotal,
	)
}
