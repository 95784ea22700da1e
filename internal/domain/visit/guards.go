package visit

import (
	"context"

	"github.com/google/uuid"
)

// The workflow asks the owning components about their records through these
// interfaces; the implementations are wired in with SetGuards.

type ConsultationGuard interface {
	// HasFinalizedConsultation reports whether the visit's latest
	// consultation is COMPLETED with a FINAL diagnosis.
	HasFinalizedConsultation(ctx context.Context, visitID uuid.UUID) (bool, error)
}

type LabGuard interface {
	HasOpenOrders(ctx context.Context, visitID uuid.UUID) (bool, error)
	HasCompletedOrders(ctx context.Context, visitID uuid.UUID) (bool, error)
}

type PrescriptionGuard interface {
	HasPendingPrescriptions(ctx context.Context, visitID uuid.UUID) (bool, error)
}

type BillingGuard interface {
	IsSettled(ctx context.Context, visitID uuid.UUID) (bool, error)
}

type Guards struct {
	Consultations ConsultationGuard
	Labs          LabGuard
	Prescriptions PrescriptionGuard
	Billing       BillingGuard
}
