package consultation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// Update writes every mutable column and replaces the diagnosis list.
	Update(ctx context.Context, c *Consultation) error
	// ListByVisit returns the visit's consultations, oldest first.
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Consultation, error)
}
