package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

// ResearchHandler serves the synchronous research endpoint. Requests run to
// completion inside the HTTP request; the run is recorded like any scheduled
// run, without a topic.
type ResearchHandler struct {
	store  *store.Store
	svc    Researcher
	logger *log.Logger
}

func NewResearchHandler(store *store.Store, svc Researcher) *ResearchHandler {
	return &ResearchHandler{
		store:  store,
		svc:    svc,
		logger: log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
}

// Run a research request to completion
//
//	@Summary	Run research
//	@Tags		research
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		research.Request	true	"Research request"
//	@Success	200		{object}	research.Response
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	ResearchFailureResponse
//	@Router		/api/research [post]
func (h *ResearchHandler) submit(c echo.Context) error {
	var req research.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Topic) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic required")
	}

	ctx := c.Request().Context()
	runID, err := h.store.CreateRun(ctx, "", store.RunStatusRunning)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp, runErr := h.svc.RunWithID(ctx, runID, req)
	if err := saveRunResult(ctx, h.store, runID, resp); err != nil {
		h.logger.Printf("run %s: %v", runID, err)
	}
	if runErr != nil {
		_ = h.store.FinishRun(ctx, runID, store.RunStatusFailed, strPtr(runErr.Error()))
		return c.JSON(http.StatusInternalServerError, ResearchFailureResponse{Error: runErr.Error(), Response: resp})
	}
	if err := h.store.FinishRun(ctx, runID, store.RunStatusSucceeded, nil); err != nil {
		h.logger.Printf("run %s: finish: %v", runID, err)
	}
	return c.JSON(http.StatusOK, resp)
}
