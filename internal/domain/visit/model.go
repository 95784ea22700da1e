package visit

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
)

type Status string

const (
	StatusCheckedIn    Status = "CHECKED_IN"
	StatusInTriage     Status = "IN_TRIAGE"
	StatusWithDoctor   Status = "WITH_DOCTOR"
	StatusWithLab      Status = "WITH_LAB"
	StatusWithPharmacy Status = "WITH_PHARMACY"
	StatusBilling      Status = "BILLING"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusCheckedIn, StatusInTriage, StatusWithDoctor, StatusWithLab,
	StatusWithPharmacy, StatusBilling, StatusCompleted, StatusCancelled,
}

// ParseStatus accepts any casing.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Type string

const (
	TypeOutpatient Type = "OUTPATIENT"
	TypeEmergency  Type = "EMERGENCY"
	TypeFollowUp   Type = "FOLLOW_UP"
)

var validTypes = map[Type]bool{
	TypeOutpatient: true,
	TypeEmergency:  true,
	TypeFollowUp:   true,
}

// Visit maps to the visit table.
type Visit struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	VisitType      Type      `db:"visit_type" json:"visit_type"`
	ChiefComplaint string    `db:"chief_complaint" json:"chief_complaint"`
	Status         Status    `db:"status" json:"status"`
	CreatedBy      string    `db:"created_by" json:"created_by"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// StatusHistory is one committed transition.
type StatusHistory struct {
	ID         uuid.UUID `db:"id" json:"id"`
	VisitID    uuid.UUID `db:"visit_id" json:"visit_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	ActorRole  string    `db:"actor_role" json:"actor_role"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
}

// Vitals maps to the visit_vitals table. Measurements are optional but at
// least one must be present.
type Vitals struct {
	ID              uuid.UUID `db:"id" json:"id"`
	VisitID         uuid.UUID `db:"visit_id" json:"visit_id"`
	TemperatureC    *float64  `db:"temperature_c" json:"temperature_c,omitempty"`
	PulseBPM        *int      `db:"pulse_bpm" json:"pulse_bpm,omitempty"`
	RespiratoryRate *int      `db:"respiratory_rate" json:"respiratory_rate,omitempty"`
	SystolicMMHg    *int      `db:"systolic_mmhg" json:"systolic_mmhg,omitempty"`
	DiastolicMMHg   *int      `db:"diastolic_mmhg" json:"diastolic_mmhg,omitempty"`
	SpO2Percent     *int      `db:"spo2_percent" json:"spo2_percent,omitempty"`
	WeightKg        *float64  `db:"weight_kg" json:"weight_kg,omitempty"`
	HeightCm        *float64  `db:"height_cm" json:"height_cm,omitempty"`
	RecordedBy      string    `db:"recorded_by" json:"recorded_by"`
	RecordedAt      time.Time `db:"recorded_at" json:"recorded_at"`
}

type floatRange struct {
	field    string
	value    *float64
	min, max float64
}

// Validate checks that at least one measurement is present and that each
// is physiologically plausible.
func (v *Vitals) Validate() error {
	checks := []floatRange{
		{"temperature_c", v.TemperatureC, 30, 45},
		{"pulse_bpm", intAsFloat(v.PulseBPM), 20, 250},
		{"respiratory_rate", intAsFloat(v.RespiratoryRate), 4, 80},
		{"systolic_mmhg", intAsFloat(v.SystolicMMHg), 50, 260},
		{"diastolic_mmhg", intAsFloat(v.DiastolicMMHg), 20, 160},
		{"spo2_percent", intAsFloat(v.SpO2Percent), 50, 100},
		{"weight_kg", v.WeightKg, 0.3, 400},
		{"height_cm", v.HeightCm, 20, 260},
	}
	present := 0
	for _, c := range checks {
		if c.value == nil {
			continue
		}
		present++
		if *c.value < c.min || *c.value > c.max {
			return apperror.Validation(c.field, "must be between %s and %s", trimFloat(c.min), trimFloat(c.max))
		}
	}
	if present == 0 {
		return apperror.Validation("vitals", "at least one measurement is required")
	}
	if v.SystolicMMHg != nil && v.DiastolicMMHg != nil && *v.DiastolicMMHg >= *v.SystolicMMHg {
		return apperror.Validation("diastolic_mmhg", "must be lower than systolic_mmhg")
	}
	return nil
}

func intAsFloat(i *int) *float64 {
	if i == nil {
		return nil
	}
	f := float64(*i)
	return &f
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// precondition names the component check an edge needs beyond role.
type precondition int

const (
	precondNone precondition = iota
	precondVitalsRecorded
	precondOpenLabOrder
	precondFinalized
	precondPendingRx
	precondLabsReturned
	precondNoPendingRx
	precondSettled
)

type edge struct {
	from, to Status
}

type rule struct {
	roles []string
	// checks run in order; the first failing one is reported.
	checks []precondition
	// via names the operation that owns the edge; routing requests for it
	// are refused.
	via string
}

var transitions = map[edge]rule{
	{StatusCheckedIn, StatusInTriage}:      {roles: []string{auth.RoleNurse}, checks: []precondition{precondVitalsRecorded}, via: "recordVitals"},
	{StatusInTriage, StatusWithDoctor}:     {roles: []string{auth.RoleNurse}},
	{StatusWithDoctor, StatusWithLab}:      {roles: []string{auth.RolePhysician}, checks: []precondition{precondOpenLabOrder}, via: "orderLabTests"},
	{StatusWithDoctor, StatusWithPharmacy}: {roles: []string{auth.RolePhysician}, checks: []precondition{precondFinalized, precondPendingRx}},
	{StatusWithDoctor, StatusBilling}:      {roles: []string{auth.RolePhysician}, checks: []precondition{precondFinalized, precondNoPendingRx}},
	{StatusWithDoctor, StatusCompleted}:    {roles: []string{auth.RolePhysician}, checks: []precondition{precondFinalized, precondNoPendingRx, precondSettled}},
	{StatusWithLab, StatusWithDoctor}:      {roles: []string{auth.RoleLabTechnician}, checks: []precondition{precondLabsReturned}},
	{StatusWithPharmacy, StatusBilling}:    {roles: []string{auth.RolePharmacist}, checks: []precondition{precondNoPendingRx}},
	{StatusBilling, StatusCompleted}:       {roles: []string{auth.RoleCashier}, checks: []precondition{precondSettled}},
}

var cancelRoles = []string{auth.RoleRegistrar, auth.RoleNurse, auth.RolePhysician}

// lookupRule returns the rule for from -> to. Cancellation is allowed from
// every non-terminal state.
func lookupRule(from, to Status) (rule, bool) {
	if from.Terminal() {
		return rule{}, false
	}
	if to == StatusCancelled {
		return rule{roles: cancelRoles}, true
	}
	r, ok := transitions[edge{from, to}]
	return r, ok
}

// NextStatuses lists the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	var out []Status
	for _, st := range allStatuses {
		if _, ok := lookupRule(s, st); ok {
			out = append(out, st)
		}
	}
	return out
}

// CanTransition reports whether from -> to is an edge of the workflow.
func CanTransition(from, to Status) bool {
	_, ok := lookupRule(from, to)
	return ok
}
