package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GuardMetrics counts tool-call admission decisions on the tool host.
type GuardMetrics interface {
	IncAllowed(tool string)
	IncRejected(tool, code string)
}

// RunnerMetrics captures orchestrator-level run metrics.
type RunnerMetrics interface {
	IncRunsClaimed()
	IncRunsCompleted(status string)
	IncToolCalls(tool, status string)
	ObserveRunDuration(skill string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements all metric interfaces without emitting anything.
type Noop struct{}

func (Noop) IncAllowed(string)                              {}
func (Noop) IncRejected(string, string)                     {}
func (Noop) IncRunsClaimed()                                {}
func (Noop) IncRunsCompleted(string)                        {}
func (Noop) IncToolCalls(string, string)                    {}
func (Noop) ObserveRunDuration(string, float64)             {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// GuardProm implements GuardMetrics backed by Prometheus counters.
type GuardProm struct {
	allowed  *prometheus.CounterVec
	rejected *prometheus.CounterVec
	once     sync.Once
}

func NewGuardProm(namespace string) *GuardProm {
	g := &GuardProm{
		allowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_allowed_total",
			Help:      "Tool calls admitted by the guard, by tool",
		}, []string{"tool"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_rejected_total",
			Help:      "Tool calls rejected by the guard, by tool and code",
		}, []string{"tool", "code"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.allowed, g.rejected)
	})
	return g
}

func (g *GuardProm) IncAllowed(tool string) {
	g.allowed.WithLabelValues(tool).Inc()
}

func (g *GuardProm) IncRejected(tool, code string) {
	g.rejected.WithLabelValues(tool, code).Inc()
}

// RunnerProm implements RunnerMetrics backed by Prometheus collectors.
type RunnerProm struct {
	claimed   prometheus.Counter
	completed *prometheus.CounterVec
	toolCalls *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	once      sync.Once
}

func NewRunnerProm(namespace string) *RunnerProm {
	r := &RunnerProm{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_claimed_total",
			Help:      "Queued runs claimed by the worker",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Runs reaching a terminal status",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Outbound tool calls by tool and status",
		}, []string{"tool", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration seconds by skill",
			Buckets:   prometheus.DefBuckets,
		}, []string{"skill"}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.claimed, r.completed, r.toolCalls, r.duration)
	})
	return r
}

func (r *RunnerProm) IncRunsClaimed()                 { r.claimed.Inc() }
func (r *RunnerProm) IncRunsCompleted(status string)  { r.completed.WithLabelValues(status).Inc() }
func (r *RunnerProm) IncToolCalls(tool, status string) {
	r.toolCalls.WithLabelValues(tool, status).Inc()
}
func (r *RunnerProm) ObserveRunDuration(skill string, durationSeconds float64) {
	r.duration.WithLabelValues(skill).Observe(durationSeconds)
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
