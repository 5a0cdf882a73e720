package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

var runsTracer = otel.Tracer("rac/internal/server")

// Researcher executes research requests under caller-assigned run ids.
// *research.Service implements it.
type Researcher interface {
	RunWithID(ctx context.Context, runID string, req research.Request) (research.Response, error)
}

// RunsHandler serves run history and execution for saved topics.
type RunsHandler struct {
	cfg    *config.Config
	store  *store.Store
	svc    Researcher
	logger *log.Logger
}

func NewRunsHandler(cfg *config.Config, store *store.Store, svc Researcher) *RunsHandler {
	return &RunsHandler{
		cfg:    cfg,
		store:  store,
		svc:    svc,
		logger: log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("/:topic_id/trigger", h.trigger)
	g.GET("/:topic_id/runs", h.list)
	g.GET("/:topic_id/latest_result", h.latest)
	g.GET("/:topic_id/runs/:run_id/result", h.result)
	if h.cfg == nil || h.cfg.Server.RunStreamEnabled {
		g.GET("/:topic_id/runs/stream", h.streamRuns)
	}
}

// Trigger an immediate run of a topic
//
//	@Summary	Trigger run
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Produce	json
//	@Success	202	{object}	IDResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/topics/{topic_id}/trigger [post]
func (h *RunsHandler) trigger(c echo.Context) error {
	userID := c.Get("user_id").(string)
	topicID := c.Param("topic_id")
	if _, _, _, err := h.store.GetTopicByID(c.Request().Context(), topicID, userID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	runID, err := h.store.CreateRun(c.Request().Context(), topicID, store.RunStatusQueued)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// launch background processing using the shared pipeline
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runBudget(h.cfg))
		defer cancel()
		if err := processRun(ctx, h.store, h.svc, topicID, runID); err != nil {
			h.logger.Printf("run %s failed: %v", runID, err)
			_ = h.store.FinishRun(ctx, runID, store.RunStatusFailed, strPtr(err.Error()))
		}
	}()

	return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
}

// List runs of a topic
//
//	@Summary	List runs
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Produce	json
//	@Success	200	{array}		RunResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/topics/{topic_id}/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	topicID := c.Param("topic_id")
	if _, _, _, err := h.store.GetTopicByID(c.Request().Context(), topicID, userID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	runs, err := h.store.ListRuns(c.Request().Context(), topicID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		items = append(items, runResponse(r))
	}
	return c.JSON(http.StatusOK, items)
}

// Get the latest run result for a topic
//
//	@Summary	Latest run result
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Produce	json
//	@Success	200	{object}	RunResultResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/topics/{topic_id}/latest_result [get]
func (h *RunsHandler) latest(c echo.Context) error {
	userID := c.Get("user_id").(string)
	topicID := c.Param("topic_id")
	if _, _, _, err := h.store.GetTopicByID(c.Request().Context(), topicID, userID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	runID, err := h.store.GetLatestRunID(c.Request().Context(), topicID)
	if err != nil || runID == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no runs")
	}
	rec, ok, err := h.store.GetRunResult(c.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "result not ready")
	}
	return c.JSON(http.StatusOK, runResultResponse(rec))
}

// Get a specific run's result by run_id
//
//	@Summary	Run result by ID
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Param		run_id		path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	RunResultResponse
//	@Failure	403	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/topics/{topic_id}/runs/{run_id}/result [get]
func (h *RunsHandler) result(c echo.Context) error {
	userID := c.Get("user_id").(string)
	topicID := c.Param("topic_id")
	if _, _, _, err := h.store.GetTopicByID(c.Request().Context(), topicID, userID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	runID := c.Param("run_id")
	rec, ok, err := h.store.GetRunResult(c.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	}
	if rec.TopicID != topicID {
		return echo.NewHTTPError(http.StatusForbidden, "run does not belong to topic")
	}
	return c.JSON(http.StatusOK, runResultResponse(rec))
}

// streamRuns streams run status snapshots via Server-Sent Events.
//
//	@Summary	Run status stream
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Param		interval	query	int	false	"Refresh cadence in seconds (default 5)"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	400	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Failure	503	{object}	HTTPError
//	@Router		/api/topics/{topic_id}/runs/stream [get]
func (h *RunsHandler) streamRuns(c echo.Context) error {
	if h.cfg != nil && !h.cfg.Server.RunStreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run stream disabled")
	}
	req := c.Request()
	ctx := req.Context()
	topicID := c.Param("topic_id")
	ctx, span := runsTracer.Start(ctx, "RunsHandler.streamRuns")
	defer span.End()
	span.SetAttributes(attribute.String("topic_id", topicID))
	c.SetRequest(req.WithContext(ctx))
	userID, _ := c.Get("user_id").(string)
	if strings.TrimSpace(topicID) == "" {
		span.SetStatus(codes.Error, "topic_id required")
		return echo.NewHTTPError(http.StatusBadRequest, "topic_id required")
	}
	if _, _, _, err := h.store.GetTopicByID(ctx, topicID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	interval := 5 * time.Second
	if val := strings.TrimSpace(c.QueryParam("interval")); val != "" {
		if sec, err := strconv.Atoi(val); err == nil && sec > 0 {
			interval = time.Duration(sec) * time.Second
		}
	}
	span.SetAttributes(attribute.Int("interval_seconds", int(interval/time.Second)))
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	sendSnapshot := func() error {
		runs, err := h.store.ListRuns(ctx, topicID)
		if err != nil {
			trace.SpanFromContext(ctx).RecordError(err)
			return err
		}
		maxRuns := 25
		if len(runs) > maxRuns {
			runs = runs[:maxRuns]
		}
		payload := runStreamPayload{
			TopicID:         topicID,
			GeneratedAt:     time.Now().UTC(),
			IntervalSeconds: int(interval / time.Second),
		}
		for _, run := range runs {
			payload.Runs = append(payload.Runs, runResponse(run))
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: update\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendSnapshot(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Printf("runs stream initial snapshot failed: %v", err)
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sendSnapshot(); err != nil {
				span.RecordError(err)
				h.logger.Printf("runs stream snapshot failed: %v", err)
			}
		}
	}
}

// processRun replays a topic's saved request through the research service and
// persists the outcome. Failure bookkeeping stays with the caller so the
// scheduler and the trigger endpoint share one code path.
func processRun(ctx context.Context, st *store.Store, svc Researcher, topicID, runID string) error {
	name, raw, err := st.GetTopicRequest(ctx, topicID)
	if err != nil {
		return fmt.Errorf("load topic request: %w", err)
	}
	var req research.Request
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("decode topic request: %w", err)
		}
	}
	if strings.TrimSpace(req.Topic) == "" {
		req.Topic = name
	}
	if err := st.SetRunStatus(ctx, runID, store.RunStatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	resp, runErr := svc.RunWithID(ctx, runID, req)
	if err := saveRunResult(ctx, st, runID, resp); err != nil {
		if runErr != nil {
			return fmt.Errorf("save result after run error (%v): %w", runErr, err)
		}
		return err
	}
	if runErr != nil {
		return runErr
	}
	return st.FinishRun(ctx, runID, store.RunStatusSucceeded, nil)
}

// saveRunResult persists a run's response, including the logs a failed run
// produced before the error.
func saveRunResult(ctx context.Context, st *store.Store, runID string, resp research.Response) error {
	rec := store.RunResultRecord{
		RunID:         runID,
		FinalReport:   resp.FinalReport,
		Citations:     resp.Citations,
		ExecutionPath: resp.ExecutionPath,
		Logs:          resp.Logs,
	}
	if len(resp.Sources) > 0 {
		b, err := json.Marshal(resp.Sources)
		if err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
		rec.Sources = b
	}
	if err := st.SaveRunResult(ctx, rec); err != nil {
		return fmt.Errorf("save run result: %w", err)
	}
	return nil
}

// runBudget is the wall-clock allowance for one background run. It leaves a
// minute of headroom over the research timeout for persistence.
func runBudget(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Research.RunTimeout > 0 {
		return cfg.Research.RunTimeout + time.Minute
	}
	return 15 * time.Minute
}

func strPtr(s string) *string { return &s }
