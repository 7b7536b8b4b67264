package summary

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/auth"
)

// Handler provides the summary endpoint.
type Handler struct {
	svc *Service
}

// NewHandler creates a new summary handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the summary route.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/summary", h.GenerateSummary)
}

func (h *Handler) GenerateSummary(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Generate(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
