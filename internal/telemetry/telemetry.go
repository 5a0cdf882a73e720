package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

// Telemetry provides monitoring and cost tracking for research runs. In-memory
// counters back the periodic log reports; the same events also drive the
// Prometheus collectors exposed on the metrics endpoint.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration
	RunsByPath     map[string]int64

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Tool metrics
	ToolCalls        map[string]int64
	ToolSuccessRates map[string]float64
	ToolAverageTimes map[string]time.Duration
}

// CostTracker tracks costs across models and operations
type CostTracker struct {
	ModelCosts     map[string]float64 // model -> cost
	OperationCosts map[string]float64 // operation -> cost

	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one complete research run
type RunEvent struct {
	ID            string
	Topic         string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	ExecutionPath string
	Success       bool
	Error         string
	Cost          float64
	TokensUsed    int64
	ModelsUsed    []string
}

// LLMEvent represents a single model call
type LLMEvent struct {
	Operation    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Duration     time.Duration
	Success      bool
}

// ToolEvent represents a strategy tool invocation
type ToolEvent struct {
	Tool     string
	Duration time.Duration
	Success  bool
	Results  int
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			RunsByPath:       make(map[string]int64),
			LLMRequests:      make(map[string]int64),
			LLMTokensUsed:    make(map[string]int64),
			ToolCalls:        make(map[string]int64),
			ToolSuccessRates: make(map[string]float64),
			ToolAverageTimes: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}

	// Background reporting can be disabled via config
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordRunEvent records a complete research run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	if event.ExecutionPath != "" {
		t.metrics.RunsByPath[event.ExecutionPath]++
	}

	// Update average run time
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	runsCompleted.WithLabelValues(event.ExecutionPath, statusLabel(event.Success)).Inc()
	runDuration.WithLabelValues(event.ExecutionPath).Observe(event.Duration.Seconds())

	t.logger.Printf("Run Event: ID=%s, Path=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.ID, event.ExecutionPath, event.Success, event.Duration, event.Cost, event.TokensUsed)
}

// RecordRunStarted counts a run admission before its outcome is known.
func (t *Telemetry) RecordRunStarted(ctx context.Context) {
	if !t.config.Enabled {
		return
	}
	runsStarted.Inc()
}

// RecordLLMEvent records a single model call
func (t *Telemetry) RecordLLMEvent(ctx context.Context, event LLMEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[event.Model]++
	t.metrics.LLMTokensUsed[event.Model] += event.InputTokens + event.OutputTokens

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.InputTokens + event.OutputTokens
		t.costTracker.ModelCosts[event.Model] += event.Cost
		t.costTracker.OperationCosts[event.Operation] += event.Cost
	}

	llmRequests.WithLabelValues(event.Model, event.Operation, statusLabel(event.Success)).Inc()
	llmTokens.WithLabelValues(event.Model, "input").Add(float64(event.InputTokens))
	llmTokens.WithLabelValues(event.Model, "output").Add(float64(event.OutputTokens))
	llmCost.WithLabelValues(event.Model).Add(event.Cost)

	t.logger.Printf("LLM Event: Op=%s, Model=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d/%d",
		event.Operation, event.Model, event.Success, event.Duration, event.Cost, event.InputTokens, event.OutputTokens)
}

// RecordToolEvent records a strategy tool invocation
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolCalls[event.Tool]++

	// Update success rate
	currentSuccess := t.metrics.ToolSuccessRates[event.Tool] * float64(t.metrics.ToolCalls[event.Tool]-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.ToolSuccessRates[event.Tool] = currentSuccess / float64(t.metrics.ToolCalls[event.Tool])

	// Update average time
	currentAvg := t.metrics.ToolAverageTimes[event.Tool]
	calls := t.metrics.ToolCalls[event.Tool]
	if calls == 1 {
		t.metrics.ToolAverageTimes[event.Tool] = event.Duration
	} else {
		total := currentAvg * time.Duration(calls-1)
		t.metrics.ToolAverageTimes[event.Tool] = (total + event.Duration) / time.Duration(calls)
	}

	toolCalls.WithLabelValues(event.Tool, statusLabel(event.Success)).Inc()
	toolDuration.WithLabelValues(event.Tool).Observe(event.Duration.Seconds())

	t.logger.Printf("Tool Event: Tool=%s, Success=%t, Duration=%v, Results=%d",
		event.Tool, event.Success, event.Duration, event.Results)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Deep copy to avoid race conditions
	metrics := *t.metrics
	metrics.RunsByPath = make(map[string]int64)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	metrics.ToolCalls = make(map[string]int64)
	metrics.ToolSuccessRates = make(map[string]float64)
	metrics.ToolAverageTimes = make(map[string]time.Duration)

	for k, v := range t.metrics.RunsByPath {
		metrics.RunsByPath[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.ToolCalls {
		metrics.ToolCalls[k] = v
	}
	for k, v := range t.metrics.ToolSuccessRates {
		metrics.ToolSuccessRates[k] = v
	}
	for k, v := range t.metrics.ToolAverageTimes {
		metrics.ToolAverageTimes[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     make(map[string]float64),
		OperationCosts: make(map[string]float64),
	}

	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for op, cost := range costs.OperationCosts {
			t.logger.Printf("  Operation %s: $%.4f", op, cost)
		}
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	t.logger.Println("Shutting down telemetry system...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Run Metrics:
  Total Runs: %d
  Successful: %d
  Failed: %d
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Runs By Path:
`, metrics.TotalRuns, metrics.SuccessfulRuns, metrics.FailedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for path, runs := range metrics.RunsByPath {
		report += fmt.Sprintf("  %s: %d runs\n", path, runs)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	report += "\nTool Usage:\n"
	for tool, calls := range metrics.ToolCalls {
		successRate := metrics.ToolSuccessRates[tool]
		avgTime := metrics.ToolAverageTimes[tool]
		report += fmt.Sprintf("  %s: %d calls, %.2f%% success, %v avg time\n",
			tool, calls, successRate*100, avgTime)
	}

	return report
}
