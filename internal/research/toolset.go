package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/rag"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research/sources"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/telemetry"
	"github.com/Research-as-a-Code/Research-as-a-Code/provider"
)

// RAGSearcher retrieves scored chunks from a named document collection.
type RAGSearcher interface {
	Search(ctx context.Context, collection, query string, limit int) ([]rag.Hit, error)
}

// WebSearcher runs one web search query against the configured provider.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]sources.Result, error)
}

const synthesisPrompt = `Synthesize the following research findings into a coherent report:

%s

Create a structured report that:
1. Integrates information from all sources
2. Highlights key insights
3. Maintains factual accuracy
4. Cites sources appropriately

Report:`

// Tools binds the research capabilities to live collaborators. Failures
// surface in-band: callers receive content describing what went wrong, never
// an error value, so a broken tool degrades a run instead of aborting it.
type Tools struct {
	cfg       *config.Config
	llm       provider.LLMProvider
	rag       RAGSearcher
	web       WebSearcher
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

var _ strategy.Toolset = (*Tools)(nil)

// NewTools wires the capability bindings. ragSearcher and web may be nil when
// the deployment has no index directory or no search API key; the bindings
// then report the absence in-band.
func NewTools(cfg *config.Config, llm provider.LLMProvider, ragSearcher RAGSearcher, web WebSearcher, tel *telemetry.Telemetry) *Tools {
	return &Tools{
		cfg:       cfg,
		llm:       llm,
		rag:       ragSearcher,
		web:       web,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// SearchRAG queries one collection and folds the hits into a single source
// record. A missing collection, an empty result and a search failure all
// come back as content.
func (t *Tools) SearchRAG(ctx context.Context, query, collection string) strategy.SourceRef {
	if collection == "" || t.rag == nil {
		return strategy.SourceRef{Content: "No RAG collection found", Source: "rag"}
	}

	started := time.Now()
	hits, err := t.rag.Search(ctx, collection, query, 0)
	t.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
		Tool: strategy.OpSearchRAG, Duration: time.Since(started), Success: err == nil, Results: len(hits),
	})
	if err != nil {
		t.logger.Printf("rag search %q in %q failed: %v", query, collection, err)
		return strategy.SourceRef{Content: "Error searching RAG: " + err.Error(), Source: "rag"}
	}
	if len(hits) == 0 {
		return strategy.SourceRef{Content: "No relevant documents found", Source: "rag"}
	}

	parts := make([]string, 0, len(hits))
	title := ""
	for i, h := range hits {
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, h.Text))
		if title == "" && h.Title != "" {
			title = h.Title
		}
	}
	if title == "" {
		title = collection
	}
	return strategy.SourceRef{
		Content: strings.Join(parts, "\n\n"),
		Title:   title,
		Source:  "rag",
	}
}

// SearchWeb runs one query. Disabled search and provider failures both
// return an empty result set.
func (t *Tools) SearchWeb(ctx context.Context, query string) []strategy.SourceRef {
	if t.web == nil {
		return nil
	}

	started := time.Now()
	results, err := t.web.Search(ctx, query)
	t.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
		Tool: strategy.OpSearchWeb, Duration: time.Since(started), Success: err == nil, Results: len(results),
	})
	if err != nil {
		t.logger.Printf("web search %q failed: %v", query, err)
		return nil
	}

	refs := make([]strategy.SourceRef, 0, len(results))
	for _, r := range results {
		content := r.Content
		if content == "" {
			content = r.Snippet
		}
		refs = append(refs, strategy.SourceRef{Content: content, Title: r.Title, URL: r.URL, Source: "web"})
	}
	return refs
}

// Synthesize folds the findings into a report with the synthesis model. On
// model failure the error text is returned as the report.
func (t *Tools) Synthesize(ctx context.Context, topic string, findings []strategy.SourceRef) string {
	t.logger.Printf("synthesizing %d findings for %q", len(findings), topic)

	model := t.cfg.LLM.Routing.Synthesis
	if model == "" {
		model = t.cfg.LLM.Routing.Fallback
	}
	started := time.Now()
	prompt := fmt.Sprintf(synthesisPrompt, formatFindings(findings))
	out, inTok, outTok, err := t.llm.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{"temperature": 0.3})
	t.telemetry.RecordLLMEvent(ctx, telemetry.LLMEvent{
		Operation: "synthesis", Model: model,
		InputTokens: inTok, OutputTokens: outTok,
		Cost:     t.llm.CalculateCost(inTok, outTok, model),
		Duration: time.Since(started), Success: err == nil,
	})
	if err != nil {
		t.logger.Printf("synthesis failed: %v", err)
		return "Error synthesizing findings: " + err.Error()
	}
	return strings.TrimSpace(out)
}
