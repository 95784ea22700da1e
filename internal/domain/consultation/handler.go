package consultation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/domain/laboratory"
	"github.com/ehr/visitflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePhysician))
	writeGroup.POST("/visits/:id/consultations", h.OpenConsultation)
	writeGroup.PUT("/consultations/:id", h.SubmitConsultation)

	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/consultations/:id", h.GetConsultation)
	readGroup.GET("/visits/:id/consultations", h.ListByVisit)
}

type diagnosisRequest struct {
	Code        string `json:"code" validate:"required"`
	Description string `json:"description" validate:"required"`
	Kind        string `json:"kind" validate:"required"`
}

type submitRequest struct {
	ChiefComplaint          string             `json:"chief_complaint"`
	HistoryOfPresentIllness string             `json:"history_of_present_illness"`
	PastMedicalHistory      string             `json:"past_medical_history"`
	Examination             string             `json:"examination"`
	Notes                   string             `json:"notes"`
	Diagnoses               []diagnosisRequest `json:"diagnoses" validate:"dive"`
}

type openResponse struct {
	Mode           Mode                   `json:"mode"`
	RequiredFields []string               `json:"required_fields"`
	Consultation   *Consultation          `json:"consultation"`
	LabOrders      []*laboratory.LabOrder `json:"lab_orders,omitempty"`
}

func (h *Handler) OpenConsultation(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	opened, err := h.svc.OpenConsultation(ctx, visitID, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}

	resp := openResponse{
		Mode:           opened.Mode(),
		RequiredFields: opened.RequiredFields(),
		Consultation:   opened.Record(),
	}
	status := http.StatusOK
	switch o := opened.(type) {
	case *ResumedEncounterConsultation:
		resp.LabOrders = o.LabOrders
	case *NewEncounterConsultation:
		if o.Created {
			status = http.StatusCreated
		}
	}
	return c.JSON(status, resp)
}

func (h *Handler) SubmitConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	sub := Submission{
		ChiefComplaint:          req.ChiefComplaint,
		HistoryOfPresentIllness: req.HistoryOfPresentIllness,
		PastMedicalHistory:      req.PastMedicalHistory,
		Examination:             req.Examination,
		Notes:                   req.Notes,
	}
	for _, d := range req.Diagnoses {
		sub.Diagnoses = append(sub.Diagnoses, Diagnosis{Code: d.Code, Description: d.Description, Kind: DiagnosisKind(d.Kind)})
	}

	ctx := c.Request().Context()
	cons, err := h.svc.SubmitConsultation(ctx, id, sub, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) GetConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cons, err := h.svc.GetConsultation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) ListByVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cs, err := h.svc.ListByVisit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}
