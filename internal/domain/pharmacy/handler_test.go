package pharmacy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/middleware"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(zerolog.Nop())
	return NewHandler(f.svc), f, e
}

func newRequest(method, target, body string, actor auth.Actor) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithIdentity(req.Context(), actor.UserID, actor.Roles))
}

func TestHandler_CreatePrescription(t *testing.T) {
	h, f, e := newTestHandler()
	_, cid := f.consulting(t)

	body := fmt.Sprintf(`{"items":[{"drug_id":%q,"quantity":6,"dose":"500mg","frequency":"BID","duration_days":3}]}`, f.amoxicillin.ID)
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/", body, physician), rec)
	c.SetParamNames("id")
	c.SetParamValues(cid.String())

	if err := h.CreatePrescription(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p Prescription
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != PrescriptionPending || len(p.Items) != 1 || p.Items[0].Quantity != 6 {
		t.Errorf("unexpected prescription %+v", p)
	}
}

func TestHandler_CreatePrescription_Invalid(t *testing.T) {
	h, f, e := newTestHandler()
	_, cid := f.consulting(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"no items", `{"items":[]}`, "items"},
		{"zero quantity", fmt.Sprintf(`{"items":[{"drug_id":%q,"quantity":0}]}`, f.amoxicillin.ID), "items[0].quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(newRequest(http.MethodPost, "/", tt.body, physician), rec)
			c.SetParamNames("id")
			c.SetParamValues(cid.String())

			err := h.CreatePrescription(c)
			ve, ok := err.(*apperror.ValidationError)
			if !ok || ve.Field != tt.field {
				t.Errorf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestHandler_Dispense_InsufficientStock(t *testing.T) {
	h, f, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	p := f.prescribe(t, ItemInput{DrugID: f.amoxicillin.ID, Quantity: 25})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/dispense", "", pharmacist))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body struct {
		Error   apperror.Kind       `json:"error"`
		Details []apperror.Shortage `json:"details"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != apperror.KindInsufficientStock || len(body.Details) != 1 || body.Details[0].Shortfall != 5 {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_Dispense(t *testing.T) {
	h, f, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	p := f.prescribe(t, ItemInput{DrugID: f.paracetamol.ID, Quantity: 12})
	target := "/api/v1/prescriptions/" + p.ID.String() + "/dispense"

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodPost, target, "", pharmacist))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodPost, target, "", pharmacist))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second dispense: expected 409, got %d", rec.Code)
	}
	var errBody apperror.Response
	json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody.Error != apperror.KindAlreadyDispensed {
		t.Errorf("expected already_dispensed, got %s", errBody.Error)
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	h, f, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	p := f.prescribe(t, ItemInput{DrugID: f.paracetamol.ID, Quantity: 1})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/dispense", "", physician))
	if rec.Code != http.StatusForbidden {
		t.Errorf("physician dispensing: expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/drugs/"+f.paracetamol.ID.String(), "", cashier))
	if rec.Code != http.StatusForbidden {
		t.Errorf("cashier reading stock: expected 403, got %d", rec.Code)
	}
}

func TestHandler_RestockAndMovements(t *testing.T) {
	h, f, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	base := "/api/v1/drugs/" + f.amoxicillin.ID.String()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodPost, base+"/restock", `{"quantity":0}`, pharmacist))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero restock: expected 422, got %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, newRequest(http.MethodPost, base+"/restock", `{"quantity":10}`, pharmacist))
		if rec.Code != http.StatusOK {
			t.Fatalf("restock: expected 200, got %d", rec.Code)
		}
	}
	var d Drug
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.StockQuantity != 50 {
		t.Errorf("stock = %d, want 50", d.StockQuantity)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, newRequest(http.MethodGet, base+"/movements?limit=2", "", pharmacist))
	if rec.Code != http.StatusOK {
		t.Fatalf("movements: expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []StockMovement `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
	if page.Data[0].BalanceAfter != 50 {
		t.Errorf("expected newest movement first, got balance %d", page.Data[0].BalanceAfter)
	}
}
