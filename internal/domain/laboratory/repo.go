package laboratory

import (
	"context"

	"github.com/google/uuid"
)

// Catalog reads the lab test master data.
type Catalog interface {
	GetTests(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*LabTest, error)
}

type Repository interface {
	Catalog

	CreateOrder(ctx context.Context, o *LabOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	// GetOrderForUpdate reads the order and, in a transaction, locks its row.
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	UpdateOrder(ctx context.Context, o *LabOrder) error
	AddResults(ctx context.Context, results []*Result) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*LabOrder, error)
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*LabOrder, error)
	CountByStatus(ctx context.Context, visitID uuid.UUID, statuses ...OrderStatus) (int, error)
}
