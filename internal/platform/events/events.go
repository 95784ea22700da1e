// Package events carries domain events between the visit services.
//
// Subscribers registered with Subscribe run synchronously inside the
// publisher's unit of work, so a failing subscriber aborts the operation.
// Sinks are fed after the unit commits and can only log failures.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	VisitCreated          Type = "visit.created"
	VisitTransitioned     Type = "visit.transitioned"
	VitalsRecorded        Type = "vitals.recorded"
	ConsultationOpened    Type = "consultation.opened"
	ConsultationSubmitted Type = "consultation.submitted"
	LabsOrdered           Type = "labs.ordered"
	LabsCollected         Type = "labs.collected"
	LabsCompleted         Type = "labs.completed"
	LabsVerified          Type = "labs.verified"
	PrescriptionCreated   Type = "prescription.created"
	PrescriptionDispensed Type = "prescription.dispensed"
	PrescriptionCancelled Type = "prescription.cancelled"
	DrugRestocked         Type = "drug.restocked"
	DrugLowStock          Type = "drug.low_stock"
	BillCharged           Type = "bill.charged"
	BillPaid              Type = "bill.paid"
)

// Event is the envelope published for every committed state change.
type Event struct {
	ID           uuid.UUID   `json:"id"`
	Type         Type        `json:"type"`
	TenantID     string      `json:"tenant_id,omitempty"`
	VisitID      uuid.UUID   `json:"visit_id"`
	ResourceType string      `json:"resource_type"`
	ResourceID   uuid.UUID   `json:"resource_id"`
	Actor        string      `json:"actor,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Handler consumes events inside the publisher's unit of work.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Sink receives events after commit.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// TransitionedPayload accompanies VisitTransitioned.
type TransitionedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Role   string `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConsultationOpenedPayload accompanies ConsultationOpened and
// ConsultationSubmitted.
type ConsultationOpenedPayload struct {
	Mode    string `json:"mode"`
	Created bool   `json:"created"`
	Status  string `json:"status,omitempty"`
}

// LabsOrderedPayload accompanies LabsOrdered.
type LabsOrderedPayload struct {
	ConsultationID uuid.UUID   `json:"consultation_id"`
	TestIDs        []uuid.UUID `json:"test_ids"`
	Priority       string      `json:"priority"`
}

// LabsCompletedPayload accompanies LabsCompleted.
type LabsCompletedPayload struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	AbnormalCount  int       `json:"abnormal_count"`
}

// DispensedItem is one stock decrement of a dispensed prescription.
type DispensedItem struct {
	DrugID       uuid.UUID `json:"drug_id"`
	Quantity     int       `json:"quantity"`
	BalanceAfter int       `json:"balance_after"`
}

// DispensedPayload accompanies PrescriptionDispensed.
type DispensedPayload struct {
	ConsultationID uuid.UUID       `json:"consultation_id"`
	Items          []DispensedItem `json:"items"`
}

// StockPayload accompanies DrugRestocked and DrugLowStock.
type StockPayload struct {
	DrugID           uuid.UUID `json:"drug_id"`
	Balance          int       `json:"balance"`
	ReorderThreshold int       `json:"reorder_threshold"`
	Delta            int       `json:"delta,omitempty"`
}

// ChargePayload accompanies BillCharged and BillPaid.
type ChargePayload struct {
	SourceEvent   Type            `json:"source_event,omitempty"`
	SourceEventID uuid.UUID       `json:"source_event_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Total         decimal.Decimal `json:"total"`
}
