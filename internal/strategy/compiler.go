package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Research-as-a-Code/Research-as-a-Code/provider"
)

var strategyTracer = otel.Tracer("rac/internal/strategy")

// ErrNoProgram indicates the compilation model produced no extractable program.
var ErrNoProgram = errors.New("model output contained no strategy program")

const compilerPrompt = `You are a research strategy compiler.

Given a natural language research strategy, convert it into a JSON program of
sequential steps that:
1. Searches document collections and the web for relevant material
2. Synthesizes findings into a structured report
3. Tracks every source it touched

Available ops:
- search_rag: requires "query", optional "collection" (defaults to the run's collection)
- search_web: requires "query"
- synthesize: optional "inputs" naming slots saved by earlier steps (empty means all findings so far)

IMPORTANT RULES:
- Use "save" to name a step's findings so later synthesize steps can reference them
- The final step must be a synthesize producing the report
- Keep the program under %d steps
- Respond ONLY with JSON of the form {"steps": [{"op": "...", ...}]}

Research context:
Topic: %s
Report organization: %s
Collection: %s
Web search allowed: %t

Natural Language Strategy:
%s
`

// Compiler converts natural language research plans into restricted strategy
// programs validated against the embedded schema.
type Compiler struct {
	llm      provider.LLMProvider
	model    string
	maxSteps int
	logger   *log.Logger
}

// NewCompiler creates a strategy compiler using the given model for code generation.
func NewCompiler(llm provider.LLMProvider, model string, maxSteps int) *Compiler {
	if maxSteps <= 0 {
		maxSteps = 12
	}
	return &Compiler{
		llm:      llm,
		model:    model,
		maxSteps: maxSteps,
		logger:   log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags),
	}
}

// Compile asks the compilation model for a step program implementing the plan.
// The returned program passed schema and structural validation and keeps the
// originating plan for traceability.
func (c *Compiler) Compile(ctx context.Context, plan string, rctx Context) (*Program, error) {
	ctx, span := strategyTracer.Start(ctx, "strategy.compile")
	defer span.End()
	span.SetAttributes(attribute.Int("plan_chars", len(plan)))

	prompt := fmt.Sprintf(compilerPrompt, c.maxSteps, rctx.Topic, rctx.ReportOrganization, rctx.Collection, rctx.SearchWeb, plan)
	raw, err := c.llm.Generate(ctx, prompt, c.model, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("compile strategy: %w", err)
	}

	doc := extractFirstJSON(stripFences(raw))
	if strings.TrimSpace(doc) == "" || !strings.HasPrefix(strings.TrimSpace(doc), "{") {
		return nil, ErrNoProgram
	}
	if err := ValidateProgramDocument([]byte(doc)); err != nil {
		return nil, err
	}

	var prog Program
	if err := json.Unmarshal([]byte(doc), &prog); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	prog.Plan = plan
	if err := prog.Validate(); err != nil {
		return nil, err
	}

	c.logger.Printf("compiled strategy program with %d steps", len(prog.Steps))
	span.SetAttributes(attribute.Int("program_steps", len(prog.Steps)))
	return &prog, nil
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
