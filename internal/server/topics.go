package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

// TopicsHandler serves saved topics. Every route is scoped to the
// authenticated user.
type TopicsHandler struct {
	Store *store.Store
}

func (h *TopicsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
}

func (h *TopicsHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	topics, err := h.Store.ListTopics(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]TopicResponse, 0, len(topics))
	for _, t := range topics {
		out = append(out, TopicResponse{
			ID:           t.ID,
			Name:         t.Name,
			ScheduleCron: t.ScheduleCron,
			CreatedAt:    t.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *TopicsHandler) create(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	var req CreateTopicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Request.Topic) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request.topic required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Request.Topic
	}
	if req.ScheduleCron != "" {
		if err := validateSchedule(req.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid schedule_cron")
		}
	}
	payload, err := json.Marshal(req.Request)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	id, err := h.Store.CreateTopic(c.Request().Context(), userID, name, payload, req.ScheduleCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *TopicsHandler) get(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	topicID := c.Param("id")
	name, raw, cron, err := h.Store.GetTopicByID(c.Request().Context(), topicID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "topic not found")
	}
	var req research.Request
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, TopicDetailResponse{
		ID:           topicID,
		Name:         name,
		ScheduleCron: cron,
		Request:      req,
	})
}
