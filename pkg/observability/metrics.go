package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metric set. All counters are labelled so
// one registry serves every agent.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	LLMTokens    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miniclaw_runs_total",
			Help: "Completed runs by agent, trigger and outcome.",
		}, []string{"agent", "trigger", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniclaw_run_duration_seconds",
			Help:    "Wall-clock duration of runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent", "trigger"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miniclaw_tool_calls_total",
			Help: "Tool executions by tool name and result code.",
		}, []string{"tool", "code"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniclaw_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miniclaw_llm_tokens_total",
			Help: "Token usage by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miniclaw_http_requests_total",
			Help: "HTTP requests by route pattern and status class.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniclaw_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun counts one completed run attempt chain.
func (m *Metrics) RecordRun(agentID, trigger, status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(agentID, trigger, status).Inc()
	m.RunDuration.WithLabelValues(agentID, trigger).Observe(elapsed.Seconds())
}

// RecordToolCall counts one tool execution. An empty code means success.
func (m *Metrics) RecordToolCall(tool, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	m.ToolCalls.WithLabelValues(tool, code).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordTokens counts provider-reported token usage.
func (m *Metrics) RecordTokens(provider, model string, input, output int64) {
	if input > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMiddleware records request counts and latency per route pattern.
func (m *Metrics) HTTPMiddleware(routePattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			route := routePattern(r)
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
