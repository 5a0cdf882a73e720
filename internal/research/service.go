// Package research implements the research workflow: a planner that picks an
// execution path, a dynamic strategy branch backed by the strategy compiler
// and executor, a standard query/research/summarize pipeline, and a converging
// finalize step. One Service instance serves concurrent runs; all per-run
// state lives in the engine State owned by each invocation.
package research

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/engine"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/telemetry"
	"github.com/Research-as-a-Code/Research-as-a-Code/provider"
)

var researchTracer = otel.Tracer("rac/internal/research")

// Execution path values reported in responses.
const (
	PathUDF       = "UDF"
	PathSimpleRAG = "Simple RAG"
)

// Request is one research invocation.
type Request struct {
	Topic              string `json:"topic"`
	ReportOrganization string `json:"report_organization"`
	Collection         string `json:"collection"`
	SearchWeb          bool   `json:"search_web"`
}

// Response is the externally observable result of a run. ExecutionPath
// reports which branch actually ran, including a failed dynamic attempt.
// Sources carries structured provenance for persistence; it stays out of
// the wire shape, which is fixed at the four fields below.
type Response struct {
	FinalReport   string   `json:"final_report"`
	Citations     string   `json:"citations"`
	Logs          []string `json:"logs"`
	ExecutionPath string   `json:"execution_path"`

	Sources []strategy.SourceRef `json:"-"`
}

// Service owns the collaborators shared by all runs: the LLM provider, the
// capability bindings, the strategy runner and telemetry.
type Service struct {
	cfg       *config.Config
	llm       provider.LLMProvider
	tools     *Tools
	runner    *strategy.Runner
	telemetry *telemetry.Telemetry
	publisher *Publisher
	logger    *log.Logger
}

// NewService wires a research service. publisher may be nil when run
// streaming is disabled.
func NewService(cfg *config.Config, llm provider.LLMProvider, tools *Tools, runner *strategy.Runner, tel *telemetry.Telemetry, publisher *Publisher) *Service {
	return &Service{
		cfg:       cfg,
		llm:       llm,
		tools:     tools,
		runner:    runner,
		telemetry: tel,
		publisher: publisher,
		logger:    log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

// Run executes one research request end to end under a fresh run id.
func (s *Service) Run(ctx context.Context, req Request) (Response, error) {
	return s.RunWithID(ctx, uuid.NewString(), req)
}

// RunWithID executes one research request under a caller-assigned run id. The
// id keys the published event stream so callers can follow the run in flight.
// On failure the returned Response still carries every log entry produced
// before the error.
func (s *Service) RunWithID(ctx context.Context, runID string, req Request) (Response, error) {
	ctx, span := researchTracer.Start(ctx, "research.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Bool("run.search_web", req.SearchWeb),
	)

	started := time.Now()
	s.telemetry.RecordRunStarted(ctx)
	s.logger.Printf("run %s started: %q", runID, req.Topic)

	state := &engine.State{
		ResearchPrompt:     req.Topic,
		ReportOrganization: req.ReportOrganization,
		Collection:         req.Collection,
		SearchWeb:          req.SearchWeb,
	}

	runnable, err := s.buildGraph(func(ev engine.Event) {
		s.publisher.Publish(context.Background(), runID, ev)
	})
	if err != nil {
		return Response{}, fmt.Errorf("build workflow graph: %w", err)
	}

	runCtx := ctx
	if s.cfg.Research.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Research.RunTimeout)
		defer cancel()
	}

	final, err := runnable.Invoke(runCtx, state)

	path := PathSimpleRAG
	if final.UDFResult != nil {
		path = PathUDF
	}
	s.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
		ID:            runID,
		Topic:         req.Topic,
		StartTime:     started,
		EndTime:       time.Now(),
		Duration:      time.Since(started),
		ExecutionPath: path,
		Success:       err == nil,
		Error:         errText(err),
	})

	resp := Response{
		FinalReport:   final.FinalReport,
		Citations:     final.Citations,
		Logs:          final.Log,
		ExecutionPath: path,
	}
	if final.UDFResult != nil {
		resp.Sources = final.UDFResult.Sources
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Printf("run %s failed after %s: %v", runID, time.Since(started).Round(time.Millisecond), err)
		return resp, err
	}
	s.logger.Printf("run %s completed in %s via %s", runID, time.Since(started).Round(time.Millisecond), path)
	return resp, nil
}

// buildGraph wires the workflow:
//
//	planner -> {dynamic_strategy | simple_rag} -> final_report -> END
//
// Both branches converge unconditionally on final_report.
func (s *Service) buildGraph(handler engine.EventHandler) (*engine.Runnable, error) {
	g := engine.NewGraph(engine.WithEventHandler(handler))
	g.AddNode(nodePlanner, s.planNode)
	g.AddNode(nodeDynamicStrategy, s.dynamicStrategyNode)
	g.AddNode(nodeSimpleRAG, s.simpleRAGNode)
	g.AddNode(nodeFinalReport, s.finalizeNode)

	g.SetEntryPoint(nodePlanner)
	g.AddConditionalEdge(nodePlanner, routeAfterPlan, nodeDynamicStrategy, nodeSimpleRAG)
	g.AddEdge(nodeDynamicStrategy, nodeFinalReport)
	g.AddEdge(nodeSimpleRAG, nodeFinalReport)
	g.AddEdge(nodeFinalReport, engine.End)

	return g.Compile()
}

// generate routes one model call, falling back to the configured fallback
// model, and records usage.
func (s *Service) generate(ctx context.Context, operation, model, prompt string, opts map[string]interface{}) (string, error) {
	if model == "" {
		model = s.cfg.LLM.Routing.Fallback
	}
	started := time.Now()
	out, inTok, outTok, err := s.llm.GenerateWithTokens(ctx, prompt, model, opts)
	s.telemetry.RecordLLMEvent(ctx, telemetry.LLMEvent{
		Operation:    operation,
		Model:        model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Cost:         s.llm.CalculateCost(inTok, outTok, model),
		Duration:     time.Since(started),
		Success:      err == nil,
	})
	if err != nil {
		return "", fmt.Errorf("%s call: %w", operation, err)
	}
	return out, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
