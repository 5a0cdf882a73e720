package engine

import (
	"encoding/json"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
)

// Query is one generated search query with the model's reasoning for it.
type Query struct {
	Query     string `json:"query"`
	Rationale string `json:"rationale,omitempty"`
}

// State is the single mutable record threaded through a workflow run.
// It is created at request start, owned by exactly one run, and discarded
// at terminal state.
type State struct {
	ResearchPrompt     string
	ReportOrganization string
	Collection         string
	SearchWeb          bool

	Plan           json.RawMessage
	Queries        []Query
	WebResults     []string
	Citations      string
	RunningSummary string
	UDFStrategy    string
	UDFResult      *strategy.Result
	FinalReport    string

	// Log is append-only. Nodes contribute deltas through Update; nothing
	// truncates or reorders prior entries.
	Log []string
}

// Update is the partial state a node returns. Nil fields were not produced
// by the node and leave the current value untouched. Log entries are always
// appended, never replaced.
type Update struct {
	Plan           json.RawMessage
	Queries        []Query
	WebResults     []string
	Citations      *string
	RunningSummary *string
	UDFStrategy    *string
	UDFResult      *strategy.Result
	FinalReport    *string
	Log            []string
}

// Apply overlays the update onto the state field by field.
func (s *State) Apply(u Update) {
	if u.Plan != nil {
		s.Plan = u.Plan
	}
	if u.Queries != nil {
		s.Queries = u.Queries
	}
	if u.WebResults != nil {
		s.WebResults = u.WebResults
	}
	if u.Citations != nil {
		s.Citations = *u.Citations
	}
	if u.RunningSummary != nil {
		s.RunningSummary = *u.RunningSummary
	}
	if u.UDFStrategy != nil {
		s.UDFStrategy = *u.UDFStrategy
	}
	if u.UDFResult != nil {
		s.UDFResult = u.UDFResult
	}
	if u.FinalReport != nil {
		s.FinalReport = *u.FinalReport
	}
	if len(u.Log) > 0 {
		s.Log = append(s.Log, u.Log...)
	}
}

// StringPtr returns a pointer to s, for building partial updates.
func StringPtr(s string) *string {
	return &s
}
