package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Research-as-a-Code/Research-as-a-Code/provider"
)

type stubLLM struct {
	response string
	err      error
	prompts  []string
}

var _ provider.LLMProvider = (*stubLLM)(nil)

func (s *stubLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func (s *stubLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	out, err := s.Generate(ctx, prompt, model, options)
	return out, 10, 20, err
}

func (s *stubLLM) GetAvailableModels() []string { return []string{"stub"} }

func (s *stubLLM) GetModelInfo(model string) (provider.ModelInfo, error) {
	return provider.ModelInfo{Name: model}, nil
}

func (s *stubLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 { return 0 }

func TestCompileParsesFencedProgram(t *testing.T) {
	llm := &stubLLM{response: "Here is the program:\n```json\n{\"steps\":[{\"op\":\"search_rag\",\"query\":\"quantum computing\",\"save\":\"a\"},{\"op\":\"synthesize\",\"inputs\":[\"a\"]}]}\n```"}
	c := NewCompiler(llm, "compiler-model", 12)

	prog, err := c.Compile(context.Background(), "search the archive then write it up", Context{Topic: "quantum"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(prog.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(prog.Steps))
	}
	if prog.Steps[0].Op != OpSearchRAG || prog.Steps[1].Op != OpSynthesize {
		t.Fatalf("unexpected ops: %+v", prog.Steps)
	}
	if prog.Plan != "search the archive then write it up" {
		t.Fatalf("expected plan retained, got %q", prog.Plan)
	}
}

func TestCompileRejectsProseOnlyOutput(t *testing.T) {
	llm := &stubLLM{response: "I would first look at the literature and then summarise my findings."}
	c := NewCompiler(llm, "compiler-model", 12)

	_, err := c.Compile(context.Background(), "plan", Context{})
	if !errors.Is(err, ErrNoProgram) {
		t.Fatalf("expected ErrNoProgram, got %v", err)
	}
}

func TestCompileRejectsUnknownOp(t *testing.T) {
	llm := &stubLLM{response: `{"steps":[{"op":"shell_exec","query":"rm -rf"}]}`}
	c := NewCompiler(llm, "compiler-model", 12)

	if _, err := c.Compile(context.Background(), "plan", Context{}); err == nil {
		t.Fatal("expected schema validation to reject unknown op")
	}
}

func TestCompileRejectsUndefinedInputSlot(t *testing.T) {
	llm := &stubLLM{response: `{"steps":[{"op":"synthesize","inputs":["missing"]}]}`}
	c := NewCompiler(llm, "compiler-model", 12)

	_, err := c.Compile(context.Background(), "plan", Context{})
	if err == nil {
		t.Fatal("expected structural validation to reject undefined input")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected input name in error, got %v", err)
	}
}

func TestCompilePropagatesTransportError(t *testing.T) {
	llm := &stubLLM{err: errors.New("connection refused")}
	c := NewCompiler(llm, "compiler-model", 12)

	if _, err := c.Compile(context.Background(), "plan", Context{}); err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestCompilePromptCarriesContext(t *testing.T) {
	llm := &stubLLM{response: `{"steps":[{"op":"synthesize"}]}`}
	c := NewCompiler(llm, "compiler-model", 12)

	_, err := c.Compile(context.Background(), "deep dive", Context{Topic: "fusion", Collection: "papers", SearchWeb: true})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(llm.prompts) != 1 {
		t.Fatalf("expected one LLM call, got %d", len(llm.prompts))
	}
	p := llm.prompts[0]
	for _, want := range []string{"fusion", "papers", "deep dive"} {
		if !strings.Contains(p, want) {
			t.Fatalf("expected prompt to mention %q", want)
		}
	}
}
