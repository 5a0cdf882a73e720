package server

import (
	"encoding/json"
	"time"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateTopicRequest saves a research request for repeated runs. Name
// defaults to the request topic when empty. ScheduleCron is empty for
// manual-only topics; @daily, @hourly and cron expressions are accepted.
type CreateTopicRequest struct {
	Name         string           `json:"name"`
	Request      research.Request `json:"request"`
	ScheduleCron string           `json:"schedule_cron"`
}

// TopicResponse is one row in the topic list.
type TopicResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ScheduleCron string    `json:"schedule_cron,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TopicDetailResponse is a detailed topic view including the saved request.
type TopicDetailResponse struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	ScheduleCron string           `json:"schedule_cron,omitempty"`
	Request      research.Request `json:"request"`
}

// RunResponse is one run in a topic's history.
type RunResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// RunResultResponse is the persisted outcome of a run.
type RunResultResponse struct {
	RunID         string          `json:"run_id"`
	FinalReport   string          `json:"final_report"`
	Citations     string          `json:"citations"`
	ExecutionPath string          `json:"execution_path"`
	Logs          []string        `json:"logs"`
	Sources       json.RawMessage `json:"sources,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ResearchFailureResponse is returned when a synchronous run fails. The
// embedded response keeps whatever logs the run produced before the error.
type ResearchFailureResponse struct {
	Error string `json:"error"`
	research.Response
}

// runStreamPayload is one SSE snapshot of a topic's recent runs.
type runStreamPayload struct {
	TopicID         string        `json:"topic_id"`
	GeneratedAt     time.Time     `json:"generated_at"`
	IntervalSeconds int           `json:"interval_seconds"`
	Runs            []RunResponse `json:"runs"`
}

func runResponse(r store.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}

func runResultResponse(rec store.RunResultRecord) RunResultResponse {
	return RunResultResponse{
		RunID:         rec.RunID,
		FinalReport:   rec.FinalReport,
		Citations:     rec.Citations,
		ExecutionPath: rec.ExecutionPath,
		Logs:          rec.Logs,
		Sources:       rec.Sources,
		CreatedAt:     rec.CreatedAt,
	}
}
