package visit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := append([]string{auth.RoleAdmin}, auth.StaffRoles...)

	readGroup := api.Group("", auth.RequireRole(staff...))
	readGroup.GET("/visits", h.ListVisits)
	readGroup.GET("/visits/:id", h.GetVisit)
	readGroup.GET("/visits/:id/history", h.GetStatusHistory)
	readGroup.GET("/visits/:id/vitals", h.ListVitals)
	// The workflow checks the role for the requested edge.
	readGroup.POST("/visits/:id/route", h.RouteVisit)

	api.POST("/visits", h.CreateVisit, auth.RequireRole(auth.RoleAdmin, auth.RoleRegistrar))
	api.POST("/visits/:id/vitals", h.RecordVitals, auth.RequireRole(auth.RoleAdmin, auth.RoleNurse))
}

type createVisitRequest struct {
	PatientID      uuid.UUID `json:"patient_id" validate:"required"`
	VisitType      Type      `json:"visit_type" validate:"required"`
	ChiefComplaint string    `json:"chief_complaint" validate:"required"`
}

type routeRequest struct {
	Destination string `json:"destination" validate:"required"`
	Reason      string `json:"reason" validate:"max=500"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req createVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	v, err := h.svc.CreateVisit(ctx, req.PatientID, req.VisitType, req.ChiefComplaint, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)

	var status Status
	if q := c.QueryParam("status"); q != "" {
		st, ok := ParseStatus(q)
		if !ok {
			return apperror.Validation("status", "unknown status %q", q)
		}
		status = st
	}

	visits, total, err := h.svc.ListVisits(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(visits, total, pg))
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	history, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) RecordVitals(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var vitals Vitals
	if err := c.Bind(&vitals); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	v, err := h.svc.RecordVitals(ctx, id, &vitals, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"visit": v, "vitals": vitals})
}

func (h *Handler) ListVitals(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	vitals, err := h.svc.ListVitals(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, vitals)
}

func (h *Handler) RouteVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	dest, ok := ParseStatus(req.Destination)
	if !ok {
		return apperror.Validation("destination", "unknown status %q", req.Destination)
	}
	ctx := c.Request().Context()
	v, err := h.svc.RouteVisit(ctx, id, dest, req.Reason, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}
