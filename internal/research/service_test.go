package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research/sources"
)

func TestRunSimpleRAGPath(t *testing.T) {
	llm := &scriptedLLM{responses: map[string]string{
		"research planning expert": `{"strategy": "SIMPLE_RAG", "rationale": "single domain"}`,
		"research query generator": `{"queries": [{"query": "impact of tariffs on electronics"}]}`,
		"research writer":          "Tariffs increase electronics prices.",
	}}
	web := &stubWeb{results: []sources.Result{{Title: "Analysis", URL: "http://an.example/t", Snippet: "snip"}}}
	svc := newTestService(t, llm, nil, web, nil)

	resp, err := svc.Run(context.Background(), Request{
		Topic:              "Impact of tariffs on electronics",
		ReportOrganization: "intro/analysis/conclusion",
		SearchWeb:          true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExecutionPath != PathSimpleRAG {
		t.Fatalf("execution path = %q", resp.ExecutionPath)
	}
	if !strings.Contains(resp.FinalReport, "Tariffs increase electronics prices.") {
		t.Fatalf("final report = %q", resp.FinalReport)
	}
	if !strings.Contains(resp.FinalReport, "## Sources") {
		t.Fatalf("final report missing sources section: %q", resp.FinalReport)
	}
	if resp.Citations != "- [web] http://an.example/t" {
		t.Fatalf("citations = %q", resp.Citations)
	}

	wantLogs := []string{
		"🤔 Analyzing research complexity...",
		"✅ Strategy: SIMPLE_RAG\n💡 Rationale: single domain",
		"📋 Generating research queries...",
		"✅ Generated 1 queries",
		"🔍 Conducting research...",
		"✅ Research complete",
		"📝 Synthesizing report...",
		"✅ Report synthesized",
		"✅ Simple RAG pipeline complete",
		"📄 Finalizing report with citations...",
		"✅ Report finalized and ready!",
		"🎉 Research complete! Report ready for download.",
	}
	if fmt.Sprint(resp.Logs) != fmt.Sprint(wantLogs) {
		t.Fatalf("logs = %q, want %q", resp.Logs, wantLogs)
	}
}

func TestRunDynamicPath(t *testing.T) {
	llm := &scriptedLLM{responses: map[string]string{
		"research planning expert":   `{"strategy": "DYNAMIC_STRATEGY", "rationale": "multiple domains", "plan": "search the web for tariff news, then synthesize"}`,
		"research strategy compiler": `{"steps": [{"op": "search_web", "query": "tariff news"}, {"op": "synthesize"}]}`,
		"Synthesize the following":   "Dynamic strategy report.",
	}}
	web := &stubWeb{results: []sources.Result{{Title: "News", URL: "http://news.example/a", Snippet: "snippet"}}}
	svc := newTestService(t, llm, nil, web, nil)

	resp, err := svc.Run(context.Background(), Request{
		Topic:              "Impact of tariffs on electronics",
		ReportOrganization: "intro/analysis/conclusion",
		SearchWeb:          true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExecutionPath != PathUDF {
		t.Fatalf("execution path = %q", resp.ExecutionPath)
	}
	if !strings.Contains(resp.FinalReport, "Dynamic strategy report.") {
		t.Fatalf("final report = %q", resp.FinalReport)
	}
	if resp.Citations != "- [web] http://news.example/a" {
		t.Fatalf("citations = %q", resp.Citations)
	}
	joined := strings.Join(resp.Logs, "\n")
	if !strings.Contains(joined, "✅ UDF strategy execution complete") {
		t.Fatalf("logs = %q", resp.Logs)
	}
}

func TestRunDynamicCompilationFailureStillCompletes(t *testing.T) {
	llm := &scriptedLLM{responses: map[string]string{
		"research planning expert":   `{"strategy": "DYNAMIC_STRATEGY", "rationale": "complex", "plan": "be clever"}`,
		"research strategy compiler": "Sorry, I cannot produce a program for that.",
	}}
	svc := newTestService(t, llm, nil, nil, nil)

	resp, err := svc.Run(context.Background(), Request{Topic: "tariffs"})
	if err != nil {
		t.Fatalf("a failed dynamic attempt must still complete the run: %v", err)
	}
	if resp.ExecutionPath != PathUDF {
		t.Fatalf("execution path = %q", resp.ExecutionPath)
	}
	if resp.FinalReport != "" {
		t.Fatalf("final report = %q", resp.FinalReport)
	}

	joined := strings.Join(resp.Logs, "\n")
	if !strings.Contains(joined, "❌ UDF execution failed: compilation error:") {
		t.Fatalf("logs = %q", resp.Logs)
	}
	if !strings.Contains(joined, "⚠️ No summary was produced; report is empty") {
		t.Fatalf("logs = %q", resp.Logs)
	}
}

func TestRunPlannerFailureFallsBackToSimpleRAG(t *testing.T) {
	llm := &scriptedLLM{
		responses: map[string]string{
			"research query generator": `{"queries": [{"query": "tariff rates"}]}`,
			"research writer":          "Fallback summary.",
		},
		errors: map[string]error{
			"research planning expert": errors.New("planner offline"),
		},
	}
	svc := newTestService(t, llm, nil, nil, nil)

	resp, err := svc.Run(context.Background(), Request{Topic: "tariffs"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExecutionPath != PathSimpleRAG {
		t.Fatalf("execution path = %q", resp.ExecutionPath)
	}
	if !strings.Contains(strings.Join(resp.Logs, "\n"), "⚠️ Planning error, defaulting to SIMPLE_RAG") {
		t.Fatalf("logs = %q", resp.Logs)
	}
	if !strings.Contains(resp.FinalReport, "Fallback summary.") {
		t.Fatalf("final report = %q", resp.FinalReport)
	}
}

func TestRunStandardStepFailurePropagates(t *testing.T) {
	llm := &scriptedLLM{
		responses: map[string]string{
			"research planning expert": `{"strategy": "SIMPLE_RAG", "rationale": "direct"}`,
		},
		errors: map[string]error{
			"research query generator": errors.New("rate limited"),
		},
	}
	svc := newTestService(t, llm, nil, nil, nil)

	resp, err := svc.Run(context.Background(), Request{Topic: "tariffs"})
	if err == nil {
		t.Fatal("expected run failure")
	}
	if !strings.Contains(err.Error(), "node simple_rag") {
		t.Fatalf("err = %v", err)
	}
	// The response still carries everything logged before the failure.
	if len(resp.Logs) == 0 || !strings.Contains(strings.Join(resp.Logs, "\n"), "✅ Strategy: SIMPLE_RAG") {
		t.Fatalf("logs = %q", resp.Logs)
	}
	if resp.ExecutionPath != PathSimpleRAG {
		t.Fatalf("execution path = %q", resp.ExecutionPath)
	}
}

func TestRunLogsGrowMonotonically(t *testing.T) {
	llm := &scriptedLLM{responses: map[string]string{
		"research planning expert": `{"strategy": "SIMPLE_RAG", "rationale": "direct"}`,
		"research query generator": `{"queries": [{"query": "tariff rates"}]}`,
		"research writer":          "Summary.",
	}}
	svc := newTestService(t, llm, nil, nil, nil)

	first, err := svc.Run(context.Background(), Request{Topic: "tariffs"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := svc.Run(context.Background(), Request{Topic: "tariffs"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Runs are independent: the second run starts from a fresh state instead
	// of appending to the first run's log.
	if len(first.Logs) != len(second.Logs) {
		t.Fatalf("log lengths differ across identical runs: %d vs %d", len(first.Logs), len(second.Logs))
	}
	if first.Logs[0] != "🤔 Analyzing research complexity..." {
		t.Fatalf("logs = %q", first.Logs)
	}
}
