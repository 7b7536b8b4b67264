package export

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/auth"
)

// LocationHeader carries the archive location of an uploaded export.
const LocationHeader = "X-Export-Location"

// Handler provides the export endpoint.
type Handler struct {
	svc *Service
}

// NewHandler creates a new export handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the export route.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/export", h.ExportPatient)
}

func (h *Handler) ExportPatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	format, err := ParseFormat(c.QueryParam("format"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	f, err := h.svc.Export(c.Request().Context(), actor, c.Param("id"), format)
	if err != nil {
		return apierr.HTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", f.Name))
	c.Response().Header().Set("Cache-Control", "no-store")
	if f.Location != "" {
		c.Response().Header().Set(LocationHeader, f.Location)
	}
	return c.Blob(http.StatusOK, f.ContentType, f.Data)
}
