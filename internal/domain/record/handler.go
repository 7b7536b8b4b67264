package record

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/auth"
	"github.com/healthbook/healthbook/pkg/pagination"
)

// Handler provides HTTP handlers for patient records.
type Handler struct {
	svc *Service
}

// NewHandler creates a new record handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all patient record routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.ReplacePatient)
	api.PATCH("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)

	api.POST("/patients/:id/allergies", h.AddAllergy)
	api.DELETE("/patients/:id/allergies/:allergyId", h.RemoveAllergy)
	api.POST("/patients/:id/history", h.AddHistoryEntry)
	api.DELETE("/patients/:id/history/:entryId", h.RemoveHistoryEntry)
}

func (h *Handler) ListPatients(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	records, err := h.svc.List(c.Request().Context(), actor)
	if err != nil {
		return apierr.HTTPError(err)
	}
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		records = Filter(records, q)
	}
	pg := pagination.FromContext(c)
	resp := pagination.NewResponse(pagination.Slice(records, pg), len(records), pg.Limit, pg.Offset)
	resp.Links = pg.LinksWithQuery(c.Request().URL.Path, c.QueryParams(), len(records))
	return c.JSON(http.StatusOK, resp)
}

// Filter keeps records whose "given family" name or id contains q,
// case-insensitively.
func Filter(records []PatientRecord, q string) []PatientRecord {
	q = strings.ToLower(q)
	out := make([]PatientRecord, 0, len(records))
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.FullName()), q) || strings.Contains(strings.ToLower(r.ID), q) {
			out = append(out, r)
		}
	}
	return out
}

func (h *Handler) CreatePatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	var f Fields
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Create(c.Request().Context(), actor, f)
	if err != nil {
		return apierr.HTTPError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/patients/"+rec.ID)
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetPatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ReplacePatient sets every core field, clearing notes when omitted.
func (h *Handler) ReplacePatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	var f Fields
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	patch := Patch{
		FamilyName:  &f.FamilyName,
		GivenName:   &f.GivenName,
		DateOfBirth: &f.DateOfBirth,
		BloodGroup:  &f.BloodGroup,
		Notes:       &f.Notes,
	}
	rec, err := h.svc.Update(c.Request().Context(), actor, c.Param("id"), patch)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Update(c.Request().Context(), actor, c.Param("id"), patch)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	removed, err := h.svc.Delete(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	if !removed {
		return apierr.HTTPError(ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddAllergy(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	var in AllergyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.AddAllergy(c.Request().Context(), actor, c.Param("id"), in)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) RemoveAllergy(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	removed, err := h.svc.RemoveAllergy(c.Request().Context(), actor, c.Param("id"), c.Param("allergyId"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	if !removed {
		return apierr.HTTPError(ErrAllergyNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddHistoryEntry(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	var in HistoryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.AddHistoryEntry(c.Request().Context(), actor, c.Param("id"), in)
	if err != nil {
		return apierr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) RemoveHistoryEntry(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	removed, err := h.svc.RemoveHistoryEntry(c.Request().Context(), actor, c.Param("id"), c.Param("entryId"))
	if err != nil {
		return apierr.HTTPError(err)
	}
	if !removed {
		return apierr.HTTPError(ErrHistoryEntryNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}
