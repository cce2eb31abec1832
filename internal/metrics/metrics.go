// Package metrics exposes Prometheus instrumentation for the Node Agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_agent_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_agent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	PTYSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_agent_pty_sessions_active",
			Help: "Number of currently open PTY sessions",
		},
	)

	ACPSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_agent_acp_sessions_active",
			Help: "Number of currently active ACP agent sessions",
		},
	)

	WorkspacesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_agent_workspaces_active",
			Help: "Number of workspaces in the running state",
		},
	)

	WebSocketConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_agent_websocket_connections",
			Help: "Number of open WebSocket connections by endpoint",
		},
		[]string{"endpoint"},
	)

	BootstrapDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_agent_bootstrap_step_duration_seconds",
			Help:    "Time spent in each bootstrap step in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"step"},
	)

	BootstrapFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_agent_bootstrap_failures_total",
			Help: "Total number of bootstrap step failures by step",
		},
		[]string{"step"},
	)

	OutboxQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_agent_outbox_queue_size",
			Help: "Number of pending items in a reporter queue by kind",
		},
		[]string{"kind"},
	)

	OutboxFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_agent_outbox_flushes_total",
			Help: "Total number of outbox flush attempts by kind and result",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PTYSessionsActive)
	prometheus.MustRegister(ACPSessionsActive)
	prometheus.MustRegister(WorkspacesActive)
	prometheus.MustRegister(WebSocketConnections)
	prometheus.MustRegister(BootstrapDuration)
	prometheus.MustRegister(BootstrapFailuresTotal)
	prometheus.MustRegister(OutboxQueueSize)
	prometheus.MustRegister(OutboxFlushesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation; ObserveDuration reports the elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
