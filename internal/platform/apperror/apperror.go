// Package apperror defines the typed errors returned across the visit
// orchestration services and renders them as HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the stable, client-facing name of an error category.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindConflict             Kind = "conflict"
	KindInsufficientStock    Kind = "insufficient_stock"
	KindAlreadyDispensed     Kind = "already_dispensed"
	KindAlreadyFinalized     Kind = "already_finalized"
	KindNoActiveConsultation Kind = "no_active_consultation"
	KindNotFound             Kind = "not_found"
)

// ConflictReason narrows down why a ConflictError was raised.
type ConflictReason string

const (
	ReasonIllegalEdge        ConflictReason = "illegal_edge"
	ReasonRoleNotPermitted   ConflictReason = "role_not_permitted"
	ReasonPreconditionFailed ConflictReason = "precondition_failed"
	ReasonTerminalState      ConflictReason = "terminal_state"
	ReasonLockTimeout        ConflictReason = "lock_timeout"
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Required is shorthand for a missing mandatory field.
func Required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// ConflictError reports an operation that is not legal from the current state.
type ConflictError struct {
	Reason  ConflictReason
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): %s", e.Reason, e.Message)
}

// Conflict builds a ConflictError.
func Conflict(reason ConflictReason, format string, args ...interface{}) error {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Shortage describes one prescription item that cannot be covered by stock.
type Shortage struct {
	DrugID    uuid.UUID `json:"drug_id"`
	DrugName  string    `json:"drug_name,omitempty"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
	Shortfall int       `json:"shortfall"`
}

// InsufficientStockError lists every short item of a prescription.
type InsufficientStockError struct {
	PrescriptionID uuid.UUID
	Shortages      []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s short by %d", s.DrugID, s.Shortfall))
	}
	return fmt.Sprintf("insufficient stock for prescription %s: %s", e.PrescriptionID, strings.Join(parts, ", "))
}

// AlreadyDispensedError is returned when a prescription has been dispensed before.
type AlreadyDispensedError struct {
	PrescriptionID uuid.UUID
}

func (e *AlreadyDispensedError) Error() string {
	return fmt.Sprintf("prescription %s already dispensed", e.PrescriptionID)
}

// AlreadyFinalizedError is returned when a finalized record is written again.
type AlreadyFinalizedError struct {
	Resource string
	ID       uuid.UUID
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("%s %s already finalized", e.Resource, e.ID)
}

// NoActiveConsultationError is returned by the consultation gate when the
// visit cannot be resolved to an encounter.
type NoActiveConsultationError struct {
	VisitID uuid.UUID
	Detail  string
}

func (e *NoActiveConsultationError) Error() string {
	return fmt.Sprintf("no active consultation for visit %s: %s", e.VisitID, e.Detail)
}

// NotFoundError is returned when an addressed record does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(resource string, id interface{}) error {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

// KindOf classifies err. Unknown errors return "".
func KindOf(err error) Kind {
	var (
		ve  *ValidationError
		ce  *ConflictError
		ise *InsufficientStockError
		ade *AlreadyDispensedError
		afe *AlreadyFinalizedError
		nac *NoActiveConsultationError
		nfe *NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ise):
		return KindInsufficientStock
	case errors.As(err, &ade):
		return KindAlreadyDispensed
	case errors.As(err, &afe):
		return KindAlreadyFinalized
	case errors.As(err, &nac):
		return KindNoActiveConsultation
	case errors.As(err, &nfe):
		return KindNotFound
	case errors.As(err, &ce):
		return KindConflict
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }

// ConflictReasonOf returns the reason of a ConflictError in err's chain.
func ConflictReasonOf(err error) ConflictReason {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
