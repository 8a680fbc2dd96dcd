package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.registry == nil {
		t.Error("Registry is nil")
	}
	if m.RunsTotal == nil || m.StepsTotal == nil || m.ToolCallsTotal == nil {
		t.Error("Counter vectors not initialized")
	}
	if m.SandboxDuration == nil || m.DiscoveryResults == nil {
		t.Error("Histograms not initialized")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	m.RecordRun(2*time.Second, false, "budget_exceeded")
	m.RecordStep("tool", true)
	m.RecordToolCall("gmail", 100*time.Millisecond, true)
	m.RecordSandbox(time.Second, "timeout")
	m.RecordDiscovery(7)
	m.AddLLMCost("anthropic", 0.01)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expected := []string{
		"autopilot_runs_total",
		"autopilot_run_duration_seconds",
		"autopilot_steps_total",
		"autopilot_tool_calls_total",
		"autopilot_tool_call_duration_seconds",
		"autopilot_sandbox_duration_seconds",
		"autopilot_discovery_results",
		"autopilot_llm_cost_usd_total",
		`error_code="budget_exceeded"`,
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestRecordRun(t *testing.T) {
	m := NewMetrics()

	m.RecordRun(time.Second, true, "")
	m.RecordRun(time.Second, true, "")
	m.RecordRun(time.Second, false, "tool_execution_failed")

	if got := counterValue(t, m.RunsTotal.WithLabelValues("success", "")); got != 2 {
		t.Errorf("Expected 2 successful runs, got %v", got)
	}
	if got := counterValue(t, m.RunsTotal.WithLabelValues("error", "tool_execution_failed")); got != 1 {
		t.Errorf("Expected 1 failed run, got %v", got)
	}
}

func TestAddLLMCost_IgnoresNonPositive(t *testing.T) {
	m := NewMetrics()

	m.AddLLMCost("openai", 0.5)
	m.AddLLMCost("openai", -1)
	m.AddLLMCost("openai", 0)

	if got := counterValue(t, m.LLMCostUSD.WithLabelValues("openai")); got != 0.5 {
		t.Errorf("Expected 0.5, got %v", got)
	}
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordStep("search", true)

	if got := counterValue(t, m2.StepsTotal.WithLabelValues("search", "success")); got != 0 {
		t.Errorf("Metrics instances share state: %v", got)
	}
}
