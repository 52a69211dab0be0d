// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for inbound latency. Generation requests run
// for minutes, so the tail reaches well past typical API buckets.
var defaultBuckets = []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	StreamedChunks prometheus.Counter
	StreamedBytes  prometheus.Counter
	JournalErrors  prometheus.Counter
	BreakerState   prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including the streamed body.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_proxy_upstream_errors_total",
			Help: "Upstream calls that failed before a response, by kind.",
		}, []string{"kind"}),

		StreamedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_proxy_streamed_chunks_total",
			Help: "Response body chunks relayed to clients.",
		}),

		StreamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_proxy_streamed_bytes_total",
			Help: "Response body bytes relayed to clients.",
		}),

		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_proxy_journal_errors_total",
			Help: "Request journal entries that could not be written.",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_proxy_upstream_breaker_state",
			Help: "Upstream circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.StreamedChunks,
		m.StreamedBytes,
		m.JournalErrors,
		m.BreakerState,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Every path is forwarded, so only the common Ollama endpoints get their own label.
var knownPrefixes = []string{
	"/api/generate", "/api/chat", "/api/embed", "/api/embeddings",
	"/api/tags", "/api/show", "/api/ps", "/api/version", "/api/pull",
	"/v1", "/health", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
