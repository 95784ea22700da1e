package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/visitflow/internal/platform/events"
)

type BillStatus string

const (
	BillOpen BillStatus = "OPEN"
	BillPaid BillStatus = "PAID"
)

// Bill maps to the bill table. A visit has at most one.
type Bill struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	VisitID   uuid.UUID       `db:"visit_id" json:"visit_id"`
	Status    BillStatus      `db:"status" json:"status"`
	Total     decimal.Decimal `db:"total" json:"total"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	PaidAt    *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	PaidBy    *string         `db:"paid_by" json:"paid_by,omitempty"`
	Charges   []*Charge       `json:"charges"`
}

// Charge maps to the charge table. SourceEventID is unique per bill and
// makes charging idempotent.
type Charge struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	BillID        uuid.UUID       `db:"bill_id" json:"bill_id"`
	SourceEvent   events.Type     `db:"source_event" json:"source_event"`
	SourceEventID uuid.UUID       `db:"source_event_id" json:"source_event_id"`
	Description   string          `db:"description" json:"description"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
