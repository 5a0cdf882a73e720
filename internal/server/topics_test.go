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

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

func TestCreateTopic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	payload := `{"topic":"AI","report_organization":"","collection":"","search_web":true}`
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO topics (user_id, name, request, schedule_cron) VALUES ($1,$2,$3,$4) RETURNING id`)).
		WithArgs("user-456", "AI", []byte(payload), "@daily").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("topic-123"))

	e := echo.New()
	h := &TopicsHandler{Store: &store.Store{DB: db}}
	body := `{"request":{"topic":"AI","search_web":true},"schedule_cron":"@daily"}`
	req := httptest.NewRequest(http.MethodPost, "/api/topics", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "topic-123" {
		t.Fatalf("expected topic-123, got %q", resp.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateTopicRequiresTopic(t *testing.T) {
	e := echo.New()
	h := &TopicsHandler{}
	req := httptest.NewRequest(http.MethodPost, "/api/topics", strings.NewReader(`{"name":"empty"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	err := h.create(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestCreateTopicRejectsBadCron(t *testing.T) {
	e := echo.New()
	h := &TopicsHandler{}
	body := `{"request":{"topic":"AI"},"schedule_cron":"every tuesday"}`
	req := httptest.NewRequest(http.MethodPost, "/api/topics", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	err := h.create(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestListTopics(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, schedule_cron, created_at FROM topics WHERE user_id=$1 ORDER BY created_at DESC`)).
		WithArgs("user-456").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "schedule_cron", "created_at"}).
			AddRow("topic-1", "user-456", "AI", "@daily", now).
			AddRow("topic-2", "user-456", "Climate", "", now))

	e := echo.New()
	h := &TopicsHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/topics", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []TopicResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[0].ID != "topic-1" || resp[1].Name != "Climate" {
		t.Fatalf("unexpected topics: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTopic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	raw := `{"topic":"AI","report_organization":"","collection":"","search_web":true}`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, request, schedule_cron FROM topics WHERE id=$1 AND user_id=$2`)).
		WithArgs("topic-123", "user-456").
		WillReturnRows(sqlmock.NewRows([]string{"name", "request", "schedule_cron"}).AddRow("AI", []byte(raw), "@daily"))

	e := echo.New()
	h := &TopicsHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/topics/topic-123", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("topic-123")

	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var resp TopicDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "topic-123" || resp.Name != "AI" || resp.ScheduleCron != "@daily" {
		t.Fatalf("unexpected topic: %+v", resp)
	}
	if resp.Request.Topic != "AI" || !resp.Request.SearchWeb {
		t.Fatalf("unexpected request: %+v", resp.Request)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTopicNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, request, schedule_cron FROM topics WHERE id=$1 AND user_id=$2`)).
		WithArgs("missing", "user-456").
		WillReturnRows(sqlmock.NewRows([]string{"name", "request", "schedule_cron"}))

	e := echo.New()
	h := &TopicsHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/topics/missing", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("missing")

	err = h.get(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
