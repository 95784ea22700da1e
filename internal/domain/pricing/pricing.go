// Package pricing turns clinical activity into billable amounts. Lab tests
// and drugs carry their own prices in the catalog; the consultation fee is
// configured.
package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/visitflow/internal/domain/laboratory"
	"github.com/ehr/visitflow/internal/domain/pharmacy"
	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/events"
)

type LabCatalog interface {
	GetTests(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*laboratory.LabTest, error)
}

type DrugCatalog interface {
	GetDrugs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*pharmacy.Drug, error)
}

// Line is one priced item of a quote.
type Line struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// Quote is the price of one billable event.
type Quote struct {
	Description string
	Lines       []Line
	Total       decimal.Decimal
}

func (q *Quote) add(code, name string, qty int, unit decimal.Decimal) {
	amount := unit.Mul(decimal.NewFromInt(int64(qty)))
	q.Lines = append(q.Lines, Line{Code: code, Name: name, Quantity: qty, UnitPrice: unit, Amount: amount})
	q.Total = q.Total.Add(amount)
}

func (q *Quote) codes() string {
	codes := make([]string, 0, len(q.Lines))
	for _, l := range q.Lines {
		codes = append(codes, l.Code)
	}
	return strings.Join(codes, ", ")
}

type Service struct {
	labs            LabCatalog
	drugs           DrugCatalog
	consultationFee decimal.Decimal
}

func NewService(labs LabCatalog, drugs DrugCatalog, consultationFee decimal.Decimal) *Service {
	return &Service{labs: labs, drugs: drugs, consultationFee: consultationFee}
}

func (s *Service) ConsultationFee(_ context.Context) (*Quote, error) {
	q := &Quote{Description: "Consultation fee", Total: decimal.Zero}
	q.add("CONSULT", "Consultation", 1, s.consultationFee)
	return q, nil
}

// LabTests prices one of each test.
func (s *Service) LabTests(ctx context.Context, testIDs []uuid.UUID) (*Quote, error) {
	tests, err := s.labs.GetTests(ctx, testIDs)
	if err != nil {
		return nil, fmt.Errorf("price lab tests: %w", err)
	}
	q := &Quote{Total: decimal.Zero}
	for _, id := range testIDs {
		t, ok := tests[id]
		if !ok {
			return nil, apperror.NotFound("lab_test", id)
		}
		q.add(t.Code, t.Name, 1, t.Price)
	}
	q.Description = "Laboratory: " + q.codes()
	return q, nil
}

// Dispensed prices the dispensed quantity of each drug.
func (s *Service) Dispensed(ctx context.Context, items []events.DispensedItem) (*Quote, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.DrugID)
	}
	drugs, err := s.drugs.GetDrugs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("price drugs: %w", err)
	}
	q := &Quote{Total: decimal.Zero}
	for _, it := range items {
		d, ok := drugs[it.DrugID]
		if !ok {
			return nil, apperror.NotFound("drug", it.DrugID)
		}
		q.add(d.Code, d.Name, it.Quantity, d.UnitPrice)
	}
	q.Description = "Pharmacy: " + q.codes()
	return q, nil
}
