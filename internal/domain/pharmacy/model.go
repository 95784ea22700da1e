package pharmacy

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PrescriptionStatus string

const (
	PrescriptionPending   PrescriptionStatus = "PENDING"
	PrescriptionDispensed PrescriptionStatus = "DISPENSED"
	PrescriptionCancelled PrescriptionStatus = "CANCELLED"
)

// Prescription maps to the prescription table. It leaves PENDING exactly
// once.
type Prescription struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	VisitID        uuid.UUID           `db:"visit_id" json:"visit_id"`
	ConsultationID uuid.UUID           `db:"consultation_id" json:"consultation_id"`
	Status         PrescriptionStatus  `db:"status" json:"status"`
	PrescribedBy   string              `db:"prescribed_by" json:"prescribed_by"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	DispensedBy    *string             `db:"dispensed_by" json:"dispensed_by,omitempty"`
	DispensedAt    *time.Time          `db:"dispensed_at" json:"dispensed_at,omitempty"`
	CancelledBy    *string             `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledAt    *time.Time          `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason   *string             `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Items          []*PrescriptionItem `json:"items"`
}

// DrugIDs returns the prescribed drugs in ascending id order, the order in
// which their locks are taken.
func (p *Prescription) DrugIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.Items))
	for _, it := range p.Items {
		ids = append(ids, it.DrugID)
	}
	sortIDs(ids)
	return ids
}

type PrescriptionItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	DrugID         uuid.UUID `db:"drug_id" json:"drug_id"`
	Quantity       int       `db:"quantity" json:"quantity"`
	Dose           string    `db:"dose" json:"dose,omitempty"`
	Frequency      string    `db:"frequency" json:"frequency,omitempty"`
	DurationDays   int       `db:"duration_days" json:"duration_days,omitempty"`
	Route          string    `db:"route" json:"route,omitempty"`
	Instructions   string    `db:"instructions" json:"instructions,omitempty"`
}

// ItemInput is one line of a new prescription.
type ItemInput struct {
	DrugID       uuid.UUID `json:"drug_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"gt=0"`
	Dose         string    `json:"dose"`
	Frequency    string    `json:"frequency"`
	DurationDays int       `json:"duration_days" validate:"gte=0"`
	Route        string    `json:"route"`
	Instructions string    `json:"instructions"`
}

// Drug maps to the drug table. Stock never goes below zero; the column
// carries a CHECK constraint as well.
type Drug struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	Code             string          `db:"code" json:"code"`
	Name             string          `db:"name" json:"name"`
	Unit             string          `db:"unit" json:"unit,omitempty"`
	StockQuantity    int             `db:"stock_quantity" json:"stock_quantity"`
	ReorderThreshold int             `db:"reorder_threshold" json:"reorder_threshold"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// LowStock reports whether the drug is at or below its reorder threshold.
func (d *Drug) LowStock() bool {
	return d.StockQuantity <= d.ReorderThreshold
}

type MovementKind string

const (
	MovementDispense MovementKind = "DISPENSE"
	MovementRestock  MovementKind = "RESTOCK"
)

// StockMovement maps to the stock_movement table. Every stock change
// writes exactly one row.
type StockMovement struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	DrugID         uuid.UUID    `db:"drug_id" json:"drug_id"`
	PrescriptionID *uuid.UUID   `db:"prescription_id" json:"prescription_id,omitempty"`
	Kind           MovementKind `db:"kind" json:"kind"`
	QuantityDelta  int          `db:"quantity_delta" json:"quantity_delta"`
	BalanceAfter   int          `db:"balance_after" json:"balance_after"`
	ActorID        string       `db:"actor_id" json:"actor_id"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
