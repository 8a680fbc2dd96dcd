package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the planner runtime
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Step metrics
	StepsTotal *prometheus.CounterVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Sandbox metrics
	SandboxDuration *prometheus.HistogramVec

	// Discovery metrics
	DiscoveryResults prometheus.Histogram

	// LLM metrics
	LLMCostUSD *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_runs_total",
				Help: "Total number of planner runs by outcome",
			},
			[]string{"status", "error_code"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_run_duration_seconds",
				Help:    "Duration of planner runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_steps_total",
				Help: "Total number of recorded planner steps",
			},
			[]string{"type", "status"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_tool_calls_total",
				Help: "Total number of tool invocations by provider",
			},
			[]string{"provider", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_tool_call_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		SandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_sandbox_duration_seconds",
				Help:    "Duration of sandbox executions in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		DiscoveryResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopilot_discovery_results",
				Help:    "Number of tools returned per discovery query",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),

		LLMCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StepsTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SandboxDuration,
		m.DiscoveryResults,
		m.LLMCostUSD,
	)

	return m
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRun counts a finished run. errorCode is empty for successful runs.
func (m *Metrics) RecordRun(duration time.Duration, success bool, errorCode string) {
	m.RunsTotal.WithLabelValues(status(success), errorCode).Inc()
	m.RunDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// RecordStep counts a recorded step
func (m *Metrics) RecordStep(stepType string, success bool) {
	m.StepsTotal.WithLabelValues(stepType, status(success)).Inc()
}

// RecordToolCall counts a tool invocation
func (m *Metrics) RecordToolCall(provider string, duration time.Duration, success bool) {
	m.ToolCallsTotal.WithLabelValues(provider, status(success)).Inc()
	m.ToolCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordSandbox observes one sandbox execution; status is success, error or timeout
func (m *Metrics) RecordSandbox(duration time.Duration, status string) {
	m.SandboxDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDiscovery observes the size of one discovery result
func (m *Metrics) RecordDiscovery(results int) {
	m.DiscoveryResults.Observe(float64(results))
}

// AddLLMCost adds estimated spend for a provider
func (m *Metrics) AddLLMCost(provider string, usd float64) {
	if usd > 0 {
		m.LLMCostUSD.WithLabelValues(provider).Add(usd)
	}
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
