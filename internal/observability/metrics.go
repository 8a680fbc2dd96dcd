package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/harun/autopilot/internal/metrics"
)

var (
	metricsOnce sync.Once
	metricsInst *metrics.Metrics
)

// Metrics returns the process-wide metrics instance
func Metrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		metricsInst = metrics.NewMetrics()
	})
	return metricsInst
}

// MetricsHandler serves the process-wide metrics
func MetricsHandler() http.Handler {
	return Metrics().Handler()
}

func RecordRun(duration time.Duration, success bool, errorCode string) {
	Metrics().RecordRun(duration, success, errorCode)
}

func RecordStep(stepType string, success bool) {
	Metrics().RecordStep(stepType, success)
}

func RecordToolCall(provider string, duration time.Duration, success bool) {
	Metrics().RecordToolCall(provider, duration, success)
}

func RecordSandbox(duration time.Duration, status string) {
	Metrics().RecordSandbox(duration, status)
}

func RecordDiscovery(results int) {
	Metrics().RecordDiscovery(results)
}

func AddLLMCost(provider string, usd float64) {
	Metrics().AddLLMCost(provider, usd)
}
