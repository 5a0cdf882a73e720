package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

func TestSubmitResearch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// ad-hoc runs have no owning topic
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO runs (topic_id, status) VALUES ($1,$2) RETURNING id`)).
		WithArgs(nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-7"))
	mock.ExpectExec("INSERT INTO run_results").
		WithArgs("run-7", "# Quantum Report", "[1] https://example.com", "Simple RAG", []byte(`["planning queries"]`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`)).
		WithArgs(store.RunStatusSucceeded, nil, "run-7").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stub := &stubResearcher{resp: research.Response{
		FinalReport:   "# Quantum Report",
		Citations:     "[1] https://example.com",
		Logs:          []string{"planning queries"},
		ExecutionPath: "Simple RAG",
	}}
	h := NewResearchHandler(&store.Store{DB: db}, stub)

	e := echo.New()
	body := `{"topic":"quantum computing","search_web":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"final_report", "citations", "logs", "execution_path"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing %q in response: %v", key, raw)
		}
	}
	if _, ok := raw["sources"]; ok {
		t.Fatalf("sources must stay off the wire: %v", raw)
	}

	runID, runReq := stub.lastCall()
	if runID != "run-7" || runReq.Topic != "quantum computing" {
		t.Fatalf("unexpected call: %q %+v", runID, runReq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitResearchRequiresTopic(t *testing.T) {
	e := echo.New()
	h := NewResearchHandler(nil, &stubResearcher{})
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"topic":"  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.submit(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestSubmitResearchFailureKeepsLogs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO runs (topic_id, status) VALUES ($1,$2) RETURNING id`)).
		WithArgs(nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-7"))
	mock.ExpectExec("INSERT INTO run_results").
		WithArgs("run-7", "", "", "UDF", []byte(`["compiling strategy"]`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`)).
		WithArgs(store.RunStatusFailed, "llm unavailable", "run-7").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stub := &stubResearcher{
		resp: research.Response{Logs: []string{"compiling strategy"}, ExecutionPath: "UDF"},
		err:  errors.New("llm unavailable"),
	}
	h := NewResearchHandler(&store.Store{DB: db}, stub)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"topic":"quantum computing"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp ResearchFailureResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "llm unavailable" {
		t.Fatalf("expected error message, got %+v", resp)
	}
	if len(resp.Logs) != 1 || resp.ExecutionPath != "UDF" {
		t.Fatalf("expected partial response preserved, got %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
