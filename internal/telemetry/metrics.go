package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the planning loop. Record
// methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	plannerCalls  *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	gateSends     *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	sessionsSwept prometheus.Counter
}

// NewMetrics creates collectors on a private registry, including Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "runs_total",
			Help:      "Run calls by outcome state.",
		}, []string{"outcome"}),
		plannerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "planner_calls_total",
			Help:      "Planner model calls by status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "tool_calls_total",
			Help:      "Dispatched tool calls by tool and status.",
		}, []string{"tool", "status"}),
		gateSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "gate_sends_total",
			Help:      "Human-gate email sends by status.",
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "tokens_total",
			Help:      "Model tokens consumed by direction.",
		}, []string{"direction"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripagent",
			Name:      "step_duration_seconds",
			Help:      "Duration of loop steps.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"step"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripagent",
			Name:      "sessions_abandoned_total",
			Help:      "Sessions abandoned by the idle sweeper.",
		}),
	}
	reg.MustRegister(
		m.runs, m.plannerCalls, m.toolCalls, m.gateSends, m.tokens, m.stepDuration, m.sessionsSwept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRun counts a finished Run by outcome ("awaiting_gate", "error", ...).
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// RecordPlannerCall counts a planner call and its token usage.
func (m *Metrics) RecordPlannerCall(status string, input, output int, d time.Duration) {
	if m == nil {
		return
	}
	m.plannerCalls.WithLabelValues(status).Inc()
	m.tokens.WithLabelValues("input").Add(float64(input))
	m.tokens.WithLabelValues("output").Add(float64(output))
	m.stepDuration.WithLabelValues("plan").Observe(d.Seconds())
}

// RecordToolCall counts one dispatched tool call.
func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.stepDuration.WithLabelValues("tool").Observe(d.Seconds())
}

// RecordGateSend counts a gate execution.
func (m *Metrics) RecordGateSend(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.gateSends.WithLabelValues(status).Inc()
	m.stepDuration.WithLabelValues("gate").Observe(d.Seconds())
}

// RecordSwept counts sessions abandoned by the sweeper.
func (m *Metrics) RecordSwept(n int) {
	if m == nil {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
