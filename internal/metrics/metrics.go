// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	PassThrough       *prometheus.CounterVec
	Overdue           prometheus.Counter

	PluginDuration *prometheus.HistogramVec
	PluginFailures *prometheus.CounterVec
	PluginEvents   *prometheus.CounterVec

	CacheOperations *prometheus.CounterVec

	TunnelsTotal *prometheus.CounterVec
	TunnelBytes  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "janus_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "janus_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "janus_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		PassThrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_pass_through_total",
			Help: "Non-2xx upstream responses relayed without entering the response pipeline.",
		}, []string{"status_code"}),

		Overdue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "janus_proxy_overdue_responses_total",
			Help: "Responses still running when the response timeout fired.",
		}),

		PluginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "janus_proxy_plugin_duration_seconds",
			Help:    "Time spent inside a plugin stage.",
			Buckets: defaultBuckets,
		}, []string{"plugin", "stage"}),

		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_plugin_failures_total",
			Help: "Plugin invocations that returned an error or panicked.",
		}, []string{"plugin", "stage"}),

		PluginEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_plugin_events_total",
			Help: "Plugin-specific counters such as bytes seen or requests blocked.",
		}, []string{"plugin", "event"}),

		CacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_cache_operations_total",
			Help: "Cache store operations by result.",
		}, []string{"op", "result"}),

		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_tunnels_total",
			Help: "Opaque tunnels by kind and outcome.",
		}, []string{"kind", "result"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_proxy_tunnel_bytes_total",
			Help: "Bytes spliced through tunnels.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.PassThrough,
		m.Overdue,
		m.PluginDuration,
		m.PluginFailures,
		m.PluginEvents,
		m.CacheOperations,
		m.TunnelsTotal,
		m.TunnelBytes,
	)

	return m
}

// StageDone records how long a plugin spent in a stage.
func (m *Metrics) StageDone(plugin, stage string, d time.Duration) {
	m.PluginDuration.WithLabelValues(plugin, stage).Observe(d.Seconds())
}

// PluginFailed counts a failed plugin invocation.
func (m *Metrics) PluginFailed(plugin, stage string) {
	m.PluginFailures.WithLabelValues(plugin, stage).Inc()
}

// Count adds n to a plugin-scoped event counter.
func (m *Metrics) Count(plugin, event string, n float64) {
	m.PluginEvents.WithLabelValues(plugin, event).Add(n)
}

// CacheOp counts a cache store operation.
func (m *Metrics) CacheOp(op, result string) {
	m.CacheOperations.WithLabelValues(op, result).Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed local path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for local endpoints.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// RouteLabel classifies a request as tunnel, proxied, or a local endpoint.
func RouteLabel(r *http.Request) string {
	switch {
	case r.Method == http.MethodConnect || r.Header.Get("Upgrade") != "":
		return "tunnel"
	case r.URL.IsAbs():
		return "proxy"
	}
	return NormalizePath(r.URL.Path)
}
