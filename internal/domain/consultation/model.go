package consultation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/domain/laboratory"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Mode is the encounter classification made when the consultation is
// opened. It is persisted and never re-derived by readers.
type Mode string

const (
	ModeNew       Mode = "NEW"
	ModeLabReturn Mode = "LAB_RETURN"
)

type DiagnosisKind string

const (
	DiagnosisProvisional DiagnosisKind = "PROVISIONAL"
	DiagnosisFinal       DiagnosisKind = "FINAL"
)

// ParseDiagnosisKind accepts either kind in any case.
func ParseDiagnosisKind(s string) (DiagnosisKind, bool) {
	switch k := DiagnosisKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case DiagnosisProvisional, DiagnosisFinal:
		return k, true
	}
	return "", false
}

// Diagnosis maps to the consultation_diagnosis table. Rows keep the
// order in which the physician listed them.
type Diagnosis struct {
	Code        string        `db:"code" json:"code"`
	Description string        `db:"description" json:"description"`
	Kind        DiagnosisKind `db:"kind" json:"kind"`
}

// Consultation maps to the consultation table.
type Consultation struct {
	ID                      uuid.UUID   `db:"id" json:"id"`
	VisitID                 uuid.UUID   `db:"visit_id" json:"visit_id"`
	ChiefComplaint          string      `db:"chief_complaint" json:"chief_complaint,omitempty"`
	HistoryOfPresentIllness string      `db:"history_of_present_illness" json:"history_of_present_illness,omitempty"`
	PastMedicalHistory      string      `db:"past_medical_history" json:"past_medical_history,omitempty"`
	Examination             string      `db:"examination" json:"examination,omitempty"`
	Notes                   string      `db:"notes" json:"notes,omitempty"`
	Diagnoses               []Diagnosis `json:"diagnoses"`
	Status                  Status      `db:"status" json:"status"`
	Mode                    Mode        `db:"mode" json:"mode"`
	PhysicianID             string      `db:"physician_id" json:"physician_id"`
	OpenedAt                time.Time   `db:"opened_at" json:"opened_at"`
	ResumedAt               *time.Time  `db:"resumed_at" json:"resumed_at,omitempty"`
	CompletedAt             *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// HasFinalDiagnosis reports whether any listed diagnosis is FINAL.
func (c *Consultation) HasFinalDiagnosis() bool {
	return hasFinal(c.Diagnoses)
}

func hasFinal(ds []Diagnosis) bool {
	for _, d := range ds {
		if d.Kind == DiagnosisFinal {
			return true
		}
	}
	return false
}

// Submission is the physician's write to an open consultation. Which
// fields are mandatory and which are kept depends on the persisted mode.
type Submission struct {
	ChiefComplaint          string
	HistoryOfPresentIllness string
	PastMedicalHistory      string
	Examination             string
	Notes                   string
	Diagnoses               []Diagnosis
}

// OpenedConsultation is the result of opening a consultation for a visit.
type OpenedConsultation interface {
	Mode() Mode
	Record() *Consultation
	RequiredFields() []string
}

// NewEncounterConsultation is a first encounter: the full clinical
// write-up is collected and the chief complaint is mandatory.
type NewEncounterConsultation struct {
	Consultation *Consultation
	Created      bool
}

func (n *NewEncounterConsultation) Mode() Mode               { return ModeNew }
func (n *NewEncounterConsultation) Record() *Consultation    { return n.Consultation }
func (n *NewEncounterConsultation) RequiredFields() []string { return []string{"chief_complaint"} }

// ResumedEncounterConsultation is the return from the laboratory. History
// and examination were taken before the tests and are not asked again;
// only the final diagnosis is outstanding.
type ResumedEncounterConsultation struct {
	Consultation *Consultation
	LabOrders    []*laboratory.LabOrder
}

func (r *ResumedEncounterConsultation) Mode() Mode               { return ModeLabReturn }
func (r *ResumedEncounterConsultation) Record() *Consultation    { return r.Consultation }
func (r *ResumedEncounterConsultation) RequiredFields() []string { return []string{"final_diagnosis"} }
