package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	runsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rac_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rac_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"path", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rac_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"path"},
	)

	// LLM metrics
	llmRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rac_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"model", "operation", "status"},
	)

	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rac_llm_tokens_total",
			Help: "Total tokens exchanged with LLM providers",
		},
		[]string{"model", "direction"},
	)

	llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rac_llm_cost_usd_total",
			Help: "Cumulative LLM cost in USD",
		},
		[]string{"model"},
	)

	// Tool metrics
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rac_tool_calls_total",
			Help: "Total number of strategy tool invocations",
		},
		[]string{"tool", "status"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rac_tool_duration_seconds",
			Help:    "Strategy tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
