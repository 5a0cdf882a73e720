package strategy

import (
	"fmt"
	"strings"
)

// Ops a compiled program may invoke. Anything else is rejected.
const (
	OpSearchRAG  = "search_rag"
	OpSearchWeb  = "search_web"
	OpSynthesize = "synthesize"
)

// Step is a single instruction in a compiled strategy program.
type Step struct {
	Op         string   `json:"op"`
	Query      string   `json:"query,omitempty"`
	Collection string   `json:"collection,omitempty"`
	Inputs     []string `json:"inputs,omitempty"`
	Save       string   `json:"save,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// Program is the restricted execution plan a strategy compiles to. Plan keeps
// the originating natural language strategy for traceability; it is not
// serialized with the steps.
type Program struct {
	Plan  string `json:"-"`
	Steps []Step `json:"steps"`
}

// Validate checks structural soundness: known ops, queries on search steps
// and synthesize inputs referring to slots saved by earlier steps.
func (p *Program) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("program has no steps")
	}
	saved := make(map[string]struct{})
	for i, step := range p.Steps {
		switch step.Op {
		case OpSearchRAG, OpSearchWeb:
			if strings.TrimSpace(step.Query) == "" {
				return fmt.Errorf("step %d: %s requires a query", i+1, step.Op)
			}
		case OpSynthesize:
			for _, in := range step.Inputs {
				if _, ok := saved[in]; !ok {
					return fmt.Errorf("step %d: synthesize input %q not saved by an earlier step", i+1, in)
				}
			}
		default:
			return fmt.Errorf("step %d: unknown op %q", i+1, step.Op)
		}
		if step.Save != "" {
			saved[step.Save] = struct{}{}
		}
	}
	return nil
}
