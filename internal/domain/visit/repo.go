package visit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// GetForUpdate reads the visit and, in a transaction, locks its row.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error)
	UpdateStatus(ctx context.Context, v *Visit) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Visit, int, error)

	// Status History
	AddStatusHistory(ctx context.Context, h *StatusHistory) error
	GetStatusHistory(ctx context.Context, visitID uuid.UUID) ([]*StatusHistory, error)

	// Vitals
	AddVitals(ctx context.Context, v *Vitals) error
	ListVitals(ctx context.Context, visitID uuid.UUID) ([]*Vitals, error)
	HasVitals(ctx context.Context, visitID uuid.UUID) (bool, error)
}
