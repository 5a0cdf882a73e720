package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
)

// CapabilitiesHandler exposes the capability registry backing strategy
// execution. The listing is read-only; bindings are compiled in.
type CapabilitiesHandler struct {
	Registry *strategy.Registry
}

func (h *CapabilitiesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

// List registered capabilities
//
//	@Summary	List capabilities
//	@Tags		capabilities
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	strategy.Card
//	@Router		/api/capabilities [get]
func (h *CapabilitiesHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.Cards())
}
