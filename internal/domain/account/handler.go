package account

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/auth"
)

// Handler provides HTTP handlers for sessions and registrations.
type Handler struct {
	svc *Service
}

// NewHandler creates a new account handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the account routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sessions", h.Login)
	api.GET("/me", h.Me)
	api.POST("/registrations", h.Register)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	RegisterInput
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	ident, err := h.svc.Me(c.Request().Context(), actor)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ident)
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ident, err := h.svc.Register(c.Request().Context(), req.RegisterInput, req.Password)
	if err != nil {
		return apierr.HTTPError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/patients/"+ident.ID)
	return c.JSON(http.StatusCreated, ident)
}
