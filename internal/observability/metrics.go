package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. Every Metrics value
// owns its registry, so tests can build as many as they like without
// duplicate-registration panics; Handler exposes the registry for the
// /metrics route.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	dbDuration     *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	streamDrops    prometheus.Counter
	agentInstances prometheus.Gauge
}

// NewMetrics builds a Metrics value with a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_http_requests_total",
			Help: "HTTP requests served, by method, path, and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgw_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_sessions_active",
			Help: "Sessions currently live in the Presence Store.",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_sessions_total",
			Help: "Sessions started and ended, by channel and event.",
		}, []string{"channel", "event"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgw_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		dbDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgw_db_query_duration_seconds",
			Help:    "History Store query latency, by operation, table, and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "table", "status"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_errors_total",
			Help: "Errors observed, by component and kind.",
		}, []string{"component", "kind"}),
		streamDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentgw_stream_dropped_events_total",
			Help: "Subscriber events dropped from saturated stream queues.",
		}),
		agentInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_agent_instances",
			Help: "Agent Instances currently held by the Agent Manager.",
		}),
	}
}

// Handler serves this Metrics value's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest counts one served request and observes its latency.
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

// SessionStarted counts a session creation and bumps the live gauge.
func (m *Metrics) SessionStarted(channel string) {
	m.sessionsTotal.WithLabelValues(channel, "started").Inc()
	m.sessionsActive.Inc()
}

// SessionEnded counts a session deletion and drops the live gauge.
// seconds is the session's lifetime; recorded only in the counter labels'
// future histogram if one is added, kept as a parameter so call sites
// don't churn.
func (m *Metrics) SessionEnded(channel string, seconds float64) {
	_ = seconds
	m.sessionsTotal.WithLabelValues(channel, "ended").Inc()
	m.sessionsActive.Dec()
}

// RecordToolExecution counts one tool run and, when seconds is non-zero,
// observes its latency.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	if seconds > 0 {
		m.toolDuration.WithLabelValues(tool).Observe(seconds)
	}
}

// RecordDatabaseQuery observes one History Store query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, seconds float64) {
	m.dbDuration.WithLabelValues(operation, table, status).Observe(seconds)
}

// RecordError counts one error by component and kind.
func (m *Metrics) RecordError(component, kind string) {
	m.errorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordStreamDrop counts one event dropped from a subscriber queue.
func (m *Metrics) RecordStreamDrop() {
	m.streamDrops.Inc()
}

// SetAgentInstances reports the Agent Manager's current instance count.
func (m *Metrics) SetAgentInstances(n int) {
	m.agentInstances.Set(float64(n))
}
