package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/telemetry"
)

// newTestServer wires the full router against a mocked database and a stub
// research service.
func newTestServer(t *testing.T, authRequired bool) (*echo.Echo, sqlmock.Sqlmock, *stubResearcher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Server.AuthRequired = authRequired
	cfg.Server.RunStreamEnabled = true

	reg, err := strategy.NewRegistry(strategy.DefaultCards(), "", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	stub := &stubResearcher{resp: research.Response{FinalReport: "# Report", ExecutionPath: "Simple RAG"}}
	stack := &ResearchStack{
		Service:   stub,
		Registry:  reg,
		Telemetry: telemetry.NewTelemetry(config.TelemetryConfig{}),
	}

	e := newEcho(cfg)
	registerRoutes(e, cfg, &store.Store{DB: db}, stack, []byte("secret"))
	return e, mock, stub
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := signJWT(userID, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	return "Bearer " + token
}

func TestHealthz(t *testing.T) {
	e := newEcho(&config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestErrorHandlerWritesJSON(t *testing.T) {
	e := newEcho(&config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == "" {
		t.Fatalf("expected error envelope, got %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEcho(&config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestResearchGateRequiresAuth(t *testing.T) {
	e, _, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"topic":"AI"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestResearchGateOpenWhenAuthOptional(t *testing.T) {
	e, mock, _ := newTestServer(t, false)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO runs (topic_id, status) VALUES ($1,$2) RETURNING id`)).
		WithArgs(nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1"))
	mock.ExpectExec("INSERT INTO run_results").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"topic":"AI"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	e, _, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-456"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cards []strategy.Card
	if err := json.Unmarshal(rec.Body.Bytes(), &cards); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	want := []string{"search_rag", "search_web", "synthesize"}
	for i, name := range want {
		if cards[i].Name != name {
			t.Fatalf("expected card %d to be %q, got %q", i, name, cards[i].Name)
		}
	}
}

func TestCapabilitiesRequireAuth(t *testing.T) {
	e, _, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOpsPerformance(t *testing.T) {
	e, _, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/ops/performance", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-456"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"metrics", "costs", "report"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in %v", key, body)
		}
	}
}
