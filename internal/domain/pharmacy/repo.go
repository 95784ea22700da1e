package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

// DrugCatalog is the read side of the drug master.
type DrugCatalog interface {
	GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error)
	GetDrugs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Drug, error)
}

type Repository interface {
	DrugCatalog

	CreatePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	GetPrescriptionForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// UpdatePrescription writes status and the dispense and cancel stamps.
	UpdatePrescription(ctx context.Context, p *Prescription) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error)
	CountPending(ctx context.Context, visitID uuid.UUID) (int, error)

	// GetDrugsForUpdate reads and locks drugs in ascending id order.
	GetDrugsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*Drug, error)
	// AdjustStock adds delta to the drug's stock and returns the new balance.
	AdjustStock(ctx context.Context, drugID uuid.UUID, delta int) (int, error)
	AddMovement(ctx context.Context, m *StockMovement) error
	ListMovements(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockMovement, int, error)
}
