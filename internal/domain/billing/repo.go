package billing

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// GetByVisit returns the visit's bill with its charges.
	GetByVisit(ctx context.Context, visitID uuid.UUID) (*Bill, error)
	GetByVisitForUpdate(ctx context.Context, visitID uuid.UUID) (*Bill, error)
	Create(ctx context.Context, b *Bill) error
	// Update writes status, total and the payment stamps.
	Update(ctx context.Context, b *Bill) error
	// AddCharge inserts c unless the bill already holds a charge for the
	// same source event, in which case that charge is returned and added
	// is false.
	AddCharge(ctx context.Context, c *Charge) (stored *Charge, added bool, err error)
}
