package strategy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Toolset provides the capability bindings available to strategy programs.
// Implementations keep failures in-band: a failed RAG search returns its error
// text as content, a failed web search returns no results and a failed
// synthesis returns the error text as the report.
type Toolset interface {
	SearchRAG(ctx context.Context, query, collection string) SourceRef
	SearchWeb(ctx context.Context, query string) []SourceRef
	Synthesize(ctx context.Context, topic string, findings []SourceRef) string
}

// Metrics exposes optional callbacks recorded while executing programs.
type Metrics struct {
	StepCounter func(op string)
	Duration    func(d time.Duration)
}

// Option customises an Executor.
type Option func(*Executor)

// WithMetrics attaches metric callbacks.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger overrides the default executor logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// Executor interprets compiled strategy programs against a per-run scope. The
// scope exposes exactly the registered capabilities plus the accumulators; a
// step cannot reach anything else. Scopes are built per execution and
// discarded, never pooled.
type Executor struct {
	tools    Toolset
	registry *Registry
	enforcer *Enforcer
	metrics  Metrics
	logger   *log.Logger
}

// NewExecutor creates an executor bound to a toolset, capability registry and
// policy enforcer.
func NewExecutor(tools Toolset, registry *Registry, enforcer *Enforcer, opts ...Option) *Executor {
	e := &Executor{
		tools:    tools,
		registry: registry,
		enforcer: enforcer,
		logger:   log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the program and returns a Result. Execution failures never
// surface as errors; they come back as a failed Result carrying the partial
// execution log.
func (e *Executor) Execute(ctx context.Context, prog *Program, rctx Context) (res Result) {
	ctx, span := strategyTracer.Start(ctx, "strategy.execute")
	defer span.End()

	started := time.Now()
	execLog := []string{}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Success: false, ExecutionLog: execLog, Error: fmt.Sprintf("strategy panicked: %v", r)}
		}
		span.SetAttributes(attribute.Bool("success", res.Success))
		if e.metrics.Duration != nil {
			e.metrics.Duration(time.Since(started))
		}
	}()

	req := ExecRequest{Steps: len(prog.Steps), NeedsWeb: programNeedsWeb(prog)}
	if err := e.enforcer.Validate(ctx, &req); err != nil {
		span.RecordError(err)
		return Result{Success: false, ExecutionLog: execLog, Error: err.Error()}
	}
	if req.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.ExecTimeout)
		defer cancel()
	}
	span.SetAttributes(attribute.Int("steps", len(prog.Steps)))

	scope := make(map[string][]SourceRef)
	var sources []SourceRef
	report := ""

	for i, step := range prog.Steps {
		if err := ctx.Err(); err != nil {
			return Result{Success: false, ExecutionLog: execLog, Error: fmt.Sprintf("execution aborted at step %d: %v", i+1, err)}
		}
		if _, ok := e.registry.Capability(step.Op); !ok {
			return Result{Success: false, ExecutionLog: execLog, Error: fmt.Sprintf("step %d: capability %q not registered", i+1, step.Op)}
		}
		if e.metrics.StepCounter != nil {
			e.metrics.StepCounter(step.Op)
		}

		stepCtx := ctx
		var cancel context.CancelFunc = func() {}
		if req.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, req.StepTimeout)
		}

		switch step.Op {
		case OpSearchRAG:
			collection := step.Collection
			if collection == "" {
				collection = rctx.Collection
			}
			ref := e.tools.SearchRAG(stepCtx, step.Query, collection)
			found := []SourceRef{ref}
			sources = e.appendSources(sources, found, &execLog)
			if step.Save != "" {
				scope[step.Save] = found
			}
			execLog = append(execLog, fmt.Sprintf("step %d: search_rag %q in %q returned %d chars", i+1, step.Query, collection, len(ref.Content)))

		case OpSearchWeb:
			var found []SourceRef
			if rctx.SearchWeb {
				found = e.tools.SearchWeb(stepCtx, step.Query)
			} else {
				execLog = append(execLog, fmt.Sprintf("step %d: web search disabled for this run, skipping", i+1))
			}
			sources = e.appendSources(sources, found, &execLog)
			if step.Save != "" {
				scope[step.Save] = found
			}
			execLog = append(execLog, fmt.Sprintf("step %d: search_web %q returned %d results", i+1, step.Query, len(found)))

		case OpSynthesize:
			findings := sources
			if len(step.Inputs) > 0 {
				findings = nil
				for _, in := range step.Inputs {
					refs, ok := scope[in]
					if !ok {
						cancel()
						return Result{Success: false, ExecutionLog: execLog, Error: fmt.Sprintf("step %d: undefined input %q", i+1, in)}
					}
					findings = append(findings, refs...)
				}
			}
			report = e.tools.Synthesize(stepCtx, rctx.Topic, findings)
			if step.Save != "" {
				scope[step.Save] = []SourceRef{{Content: report, Title: step.Note, Source: "synthesis"}}
			}
			execLog = append(execLog, fmt.Sprintf("step %d: synthesize %d findings into %d chars", i+1, len(findings), len(report)))
		}
		cancel()
	}

	if strings.TrimSpace(report) == "" {
		return Result{Success: false, ExecutionLog: execLog, Error: "strategy produced no report"}
	}

	e.logger.Printf("executed %d steps, %d sources, report %d chars", len(prog.Steps), len(sources), len(report))
	return Result{Success: true, Report: report, Sources: sources, ExecutionLog: execLog}
}

func (e *Executor) appendSources(dst, found []SourceRef, execLog *[]string) []SourceRef {
	max := e.enforcer.MaxSources()
	if max <= 0 {
		return append(dst, found...)
	}
	for _, ref := range found {
		if len(dst) >= max {
			*execLog = append(*execLog, fmt.Sprintf("source cap %d reached, dropping further results", max))
			break
		}
		dst = append(dst, ref)
	}
	return dst
}

func programNeedsWeb(prog *Program) bool {
	for _, step := range prog.Steps {
		if step.Op == OpSearchWeb {
			return true
		}
	}
	return false
}
