package laboratory

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Priority string

const (
	PriorityRoutine Priority = "ROUTINE"
	PriorityUrgent  Priority = "URGENT"
	PriorityStat    Priority = "STAT"
)

var validPriorities = map[Priority]bool{
	PriorityRoutine: true,
	PriorityUrgent:  true,
	PriorityStat:    true,
}

type OrderStatus string

const (
	OrderOrdered   OrderStatus = "ORDERED"
	OrderCollected OrderStatus = "COLLECTED"
	OrderCompleted OrderStatus = "COMPLETED"
)

// Open reports whether the order still awaits results.
func (s OrderStatus) Open() bool {
	return s == OrderOrdered || s == OrderCollected
}

// LabTest is a catalog entry. The catalog is maintained outside this
// service and read here.
type LabTest struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	Name          string          `db:"name" json:"name"`
	Unit          string          `db:"unit" json:"unit,omitempty"`
	ReferenceLow  *float64        `db:"reference_low" json:"reference_low,omitempty"`
	ReferenceHigh *float64        `db:"reference_high" json:"reference_high,omitempty"`
	ReferenceText string          `db:"reference_text" json:"reference_text,omitempty"`
	Price         decimal.Decimal `db:"price" json:"price"`
}

// ReferenceRange renders the range shown next to a result.
func (t *LabTest) ReferenceRange() string {
	switch {
	case t.ReferenceLow != nil && t.ReferenceHigh != nil:
		return formatFloat(*t.ReferenceLow) + "-" + formatFloat(*t.ReferenceHigh)
	case t.ReferenceLow != nil:
		return ">=" + formatFloat(*t.ReferenceLow)
	case t.ReferenceHigh != nil:
		return "<=" + formatFloat(*t.ReferenceHigh)
	}
	return t.ReferenceText
}

// OutOfRange reports whether value falls outside the numeric reference
// range. Non-numeric values and tests without a range are never flagged.
func (t *LabTest) OutOfRange(value string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	if t.ReferenceLow != nil && v < *t.ReferenceLow {
		return true
	}
	if t.ReferenceHigh != nil && v > *t.ReferenceHigh {
		return true
	}
	return false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// LabOrder maps to the lab_order table.
type LabOrder struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	VisitID        uuid.UUID    `db:"visit_id" json:"visit_id"`
	ConsultationID uuid.UUID    `db:"consultation_id" json:"consultation_id"`
	Priority       Priority     `db:"priority" json:"priority"`
	Status         OrderStatus  `db:"status" json:"status"`
	OrderedBy      string       `db:"ordered_by" json:"ordered_by"`
	OrderedAt      time.Time    `db:"ordered_at" json:"ordered_at"`
	CollectedBy    *string      `db:"collected_by" json:"collected_by,omitempty"`
	CollectedAt    *time.Time   `db:"collected_at" json:"collected_at,omitempty"`
	CompletedAt    *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	VerifiedBy     *string      `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt     *time.Time   `db:"verified_at" json:"verified_at,omitempty"`
	ReportKey      *string      `db:"report_key" json:"report_key,omitempty"`
	Items          []*OrderItem `json:"items"`
	Results        []*Result    `json:"results,omitempty"`
}

// TestIDs lists the ordered tests in order.
func (o *LabOrder) TestIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.TestID)
	}
	return ids
}

// AbnormalCount counts flagged results.
func (o *LabOrder) AbnormalCount() int {
	n := 0
	for _, r := range o.Results {
		if r.Abnormal {
			n++
		}
	}
	return n
}

type OrderItem struct {
	ID         uuid.UUID `db:"id" json:"id"`
	LabOrderID uuid.UUID `db:"lab_order_id" json:"lab_order_id"`
	TestID     uuid.UUID `db:"test_id" json:"test_id"`
	TestCode   string    `db:"test_code" json:"test_code,omitempty"`
	TestName   string    `db:"test_name" json:"test_name,omitempty"`
}

type Result struct {
	ID             uuid.UUID `db:"id" json:"id"`
	LabOrderID     uuid.UUID `db:"lab_order_id" json:"lab_order_id"`
	TestID         uuid.UUID `db:"test_id" json:"test_id"`
	Value          string    `db:"value" json:"value"`
	Unit           string    `db:"unit" json:"unit,omitempty"`
	ReferenceRange string    `db:"reference_range" json:"reference_range,omitempty"`
	Abnormal       bool      `db:"abnormal" json:"abnormal"`
	RecordedBy     string    `db:"recorded_by" json:"recorded_by"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
}

// ResultInput is one submitted measurement. Abnormal overrides the flag
// derived from the reference range.
type ResultInput struct {
	TestID   uuid.UUID `json:"test_id" validate:"required"`
	Value    string    `json:"value" validate:"required"`
	Unit     string    `json:"unit"`
	Abnormal *bool     `json:"abnormal"`
}
