package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/engine"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
)

// Node names appear in lifecycle events, traces and the run stream.
const (
	nodePlanner         = "planner"
	nodeDynamicStrategy = "dynamic_strategy"
	nodeSimpleRAG       = "simple_rag"
	nodeFinalReport     = "final_report"
)

// Strategy names as they appear in stored plan documents.
const (
	StrategySimpleRAG = "SIMPLE_RAG"
	StrategyDynamic   = "DYNAMIC_STRATEGY"
)

const plannerPrompt = `You are a research planning expert.

Analyze this research request:

Topic: %s
Report Organization: %s

Determine if this requires:
A) SIMPLE_RAG: Standard query-based research (straightforward topic, single domain)
B) DYNAMIC_STRATEGY: Complex multi-step strategy (multiple domains, synthesis needed, cost-benefit analysis)

Respond with JSON:
{"strategy": "SIMPLE_RAG" or "DYNAMIC_STRATEGY", "rationale": "brief explanation", "plan": "if DYNAMIC_STRATEGY, outline the research steps"}`

const queryPrompt = `You are a research query generator.

Generate up to %d diverse search queries that together cover this research request:

Topic: %s
Report Organization: %s

Respond with JSON:
{"queries": [{"query": "...", "rationale": "..."}]}`

const summaryPrompt = `You are a research writer.

Write a research summary on the following topic using the gathered material.

Topic: %s
Report Organization: %s

Material:
%s

Follow the requested organization, integrate the material and do not invent sources.`

// planNode asks the planning model which execution path fits the request. The
// plan step is never fatal: transport errors, timeouts and unparseable output
// all resolve to the standard pipeline with a fallback log entry.
func (s *Service) planNode(ctx context.Context, state *engine.State) (engine.Update, error) {
	logs := []string{"🤔 Analyzing research complexity..."}

	planCtx := ctx
	if s.cfg.Research.PlanTimeout > 0 {
		var cancel context.CancelFunc
		planCtx, cancel = context.WithTimeout(ctx, s.cfg.Research.PlanTimeout)
		defer cancel()
	}

	prompt := fmt.Sprintf(plannerPrompt, state.ResearchPrompt, state.ReportOrganization)
	out, err := s.generate(planCtx, "planning", s.cfg.LLM.Routing.Planning, prompt, map[string]interface{}{"temperature": 0.1})

	var decision struct {
		Strategy  string `json:"strategy"`
		Rationale string `json:"rationale"`
		Plan      string `json:"plan"`
	}
	if err == nil {
		err = json.Unmarshal([]byte(extractFirstJSON(stripFences(out))), &decision)
	}
	if err != nil {
		s.logger.Printf("planning failed, defaulting to simple RAG: %v", err)
		return engine.Update{
			Plan:        json.RawMessage(`{"strategy": "SIMPLE_RAG"}`),
			UDFStrategy: engine.StringPtr(""),
			Log:         append(logs, "⚠️ Planning error, defaulting to SIMPLE_RAG"),
		}, nil
	}

	if decision.Strategy == "" {
		decision.Strategy = StrategySimpleRAG
	}
	planDoc, _ := json.Marshal(decision)

	udfStrategy := ""
	if decision.Strategy == StrategyDynamic {
		udfStrategy = decision.Plan
	}
	return engine.Update{
		Plan:        planDoc,
		UDFStrategy: engine.StringPtr(udfStrategy),
		Log:         append(logs, fmt.Sprintf("✅ Strategy: %s\n💡 Rationale: %s", decision.Strategy, decision.Rationale)),
	}, nil
}

// routeAfterPlan picks the branch from the stored plan document. Unparseable
// plans and unknown strategies route to the standard pipeline.
func routeAfterPlan(state *engine.State) string {
	var decision struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal(state.Plan, &decision); err != nil {
		return nodeSimpleRAG
	}
	if decision.Strategy == StrategyDynamic {
		return nodeDynamicStrategy
	}
	return nodeSimpleRAG
}

// dynamicStrategyNode compiles the natural language plan into a strategy
// program and executes it. Compilation and execution failures are carried in
// the result, never as a node error; runningSummary and citations stay
// untouched on failure so finalize renders whatever exists.
func (s *Service) dynamicStrategyNode(ctx context.Context, state *engine.State) (engine.Update, error) {
	logs := []string{
		"🚀 Executing dynamic UDF strategy...",
		"📝 Compiling strategy to executable code...",
	}

	rctx := strategy.Context{
		Topic:              state.ResearchPrompt,
		ReportOrganization: state.ReportOrganization,
		Collection:         state.Collection,
		SearchWeb:          state.SearchWeb,
	}
	result := s.runner.Run(ctx, state.UDFStrategy, rctx)

	if !result.Success {
		s.logger.Printf("dynamic strategy failed: %s", result.Error)
		return engine.Update{
			UDFResult: &result,
			Log:       append(logs, fmt.Sprintf("❌ UDF execution failed: %s", result.Error)),
		}, nil
	}

	logs = append(logs,
		"✅ UDF execution completed successfully",
		fmt.Sprintf("📊 Synthesized report (%d chars)", len(result.Report)),
		fmt.Sprintf("📚 Retrieved %d sources", len(result.Sources)),
		"✅ UDF strategy execution complete",
	)
	return engine.Update{
		UDFResult:      &result,
		RunningSummary: engine.StringPtr(result.Report),
		Citations:      engine.StringPtr(FormatSourceLines(result.Sources)),
		Log:            logs,
	}, nil
}

// simpleRAGNode runs the standard pipeline: generate queries, research each
// one, summarize. The steps chain through local results rather than the
// shared state, but each consumes the previous step's output. Transport
// failures in the two model steps fail the run.
func (s *Service) simpleRAGNode(ctx context.Context, state *engine.State) (engine.Update, error) {
	logs := []string{"📋 Generating research queries..."}

	queries, err := s.generateQueries(ctx, state)
	if err != nil {
		return engine.Update{}, fmt.Errorf("generate queries: %w", err)
	}
	logs = append(logs, fmt.Sprintf("✅ Generated %d queries", len(queries)))

	logs = append(logs, "🔍 Conducting research...")
	findings, webResults := s.research(ctx, state, queries)
	logs = append(logs, "✅ Research complete")

	logs = append(logs, "📝 Synthesizing report...")
	summary, err := s.summarize(ctx, state, findings)
	if err != nil {
		return engine.Update{}, fmt.Errorf("summarize sources: %w", err)
	}
	logs = append(logs, "✅ Report synthesized")

	return engine.Update{
		Queries:        queries,
		WebResults:     webResults,
		RunningSummary: engine.StringPtr(summary),
		Citations:      engine.StringPtr(FormatSourceLines(findings)),
		Log:            append(logs, "✅ Simple RAG pipeline complete"),
	}, nil
}

// generateQueries asks the query model for search queries. Parsing is
// lenient: unusable output falls back to the research prompt as the single
// query. Only transport errors propagate.
func (s *Service) generateQueries(ctx context.Context, state *engine.State) ([]engine.Query, error) {
	max := s.cfg.Research.MaxQueries
	if max <= 0 {
		max = 3
	}

	prompt := fmt.Sprintf(queryPrompt, max, state.ResearchPrompt, state.ReportOrganization)
	out, err := s.generate(ctx, "queries", s.cfg.LLM.Routing.Queries, prompt, map[string]interface{}{"temperature": 0.7})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Queries []engine.Query `json:"queries"`
	}
	if perr := json.Unmarshal([]byte(extractFirstJSON(stripFences(out))), &parsed); perr != nil {
		s.logger.Printf("query generation unparseable, falling back to the prompt: %v", perr)
		return []engine.Query{{Query: state.ResearchPrompt}}, nil
	}

	queries := make([]engine.Query, 0, len(parsed.Queries))
	for _, q := range parsed.Queries {
		if strings.TrimSpace(q.Query) == "" {
			continue
		}
		queries = append(queries, q)
		if len(queries) == max {
			break
		}
	}
	if len(queries) == 0 {
		return []engine.Query{{Query: state.ResearchPrompt}}, nil
	}
	return queries, nil
}

// research runs every query against the enabled backends. Tool failures are
// in-band by contract, so this step cannot fail the run.
func (s *Service) research(ctx context.Context, state *engine.State, queries []engine.Query) ([]strategy.SourceRef, []string) {
	var findings []strategy.SourceRef
	var webResults []string

	for _, q := range queries {
		if state.SearchWeb {
			refs := s.tools.SearchWeb(ctx, q.Query)
			for _, ref := range refs {
				webResults = append(webResults, ref.Content)
			}
			findings = append(findings, refs...)
		}
		if state.Collection != "" {
			findings = append(findings, s.tools.SearchRAG(ctx, q.Query, state.Collection))
		}
	}
	return findings, webResults
}

// summarize writes the running summary from the gathered findings.
func (s *Service) summarize(ctx context.Context, state *engine.State, findings []strategy.SourceRef) (string, error) {
	material := formatFindings(findings)
	if material == "" {
		material = "(no material gathered)"
	}

	prompt := fmt.Sprintf(summaryPrompt, state.ResearchPrompt, state.ReportOrganization, material)
	out, err := s.generate(ctx, "synthesis", s.cfg.LLM.Routing.Synthesis, prompt, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// finalizeNode renders the user-facing report from the running summary and
// citations, identically for both branches. An empty summary yields an empty
// report, noted in the log, never an error.
func (s *Service) finalizeNode(ctx context.Context, state *engine.State) (engine.Update, error) {
	logs := []string{"📄 Finalizing report with citations..."}

	report := strings.TrimSpace(state.RunningSummary)
	if report == "" {
		logs = append(logs, "⚠️ No summary was produced; report is empty")
	} else if state.Citations != "" {
		report += "\n\n## Sources\n" + state.Citations
	}
	logs = append(logs, "✅ Report finalized and ready!")

	return engine.Update{
		FinalReport: engine.StringPtr(report),
		Log:         append(logs, "🎉 Research complete! Report ready for download."),
	}, nil
}

// formatFindings renders source records for a synthesis prompt.
func formatFindings(findings []strategy.SourceRef) string {
	parts := make([]string, 0, len(findings))
	for i, f := range findings {
		name := f.Source
		if name == "" {
			name = "unknown"
		}
		content := f.Content
		if content == "" {
			content = f.Title
		}
		parts = append(parts, fmt.Sprintf("Source %d (%s):\n%s", i+1, name, content))
	}
	return strings.Join(parts, "\n\n")
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	if strings.Contains(s, "```json") {
		s = strings.SplitN(s, "```json", 2)[1]
		s = strings.SplitN(s, "```", 2)[0]
	} else if strings.Contains(s, "```") {
		parts := strings.SplitN(s, "```", 3)
		if len(parts) >= 2 {
			s = parts[1]
		}
	}
	return strings.TrimSpace(s)
}

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
