package visit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/events"
	"github.com/ehr/visitflow/internal/platform/lock"
)

// Service is the visit workflow. Every transition runs under the visit lock
// inside one unit of work and is checked in a fixed order: state, role,
// then component preconditions.
type Service struct {
	repo   Repository
	tx     db.Transactor
	locker lock.Locker
	pub    events.Publisher
	guards Guards
}

func NewService(repo Repository, tx db.Transactor, locker lock.Locker, pub events.Publisher) *Service {
	return &Service{repo: repo, tx: tx, locker: locker, pub: pub}
}

// SetGuards attaches the component preconditions. Edges whose guard is
// missing are refused.
func (s *Service) SetGuards(g Guards) {
	s.guards = g
}

// CreateVisit checks a patient in.
func (s *Service) CreateVisit(ctx context.Context, patientID uuid.UUID, visitType Type, chiefComplaint string, actor auth.Actor) (*Visit, error) {
	if !actor.HasAny(auth.RoleRegistrar) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not register visits", actor)
	}
	if patientID == uuid.Nil {
		return nil, apperror.Required("patient_id")
	}
	visitType = Type(strings.ToUpper(strings.TrimSpace(string(visitType))))
	if !validTypes[visitType] {
		return nil, apperror.Validation("visit_type", "unknown visit type %q", visitType)
	}
	chiefComplaint = strings.TrimSpace(chiefComplaint)
	if chiefComplaint == "" {
		return nil, apperror.Required("chief_complaint")
	}

	v := &Visit{
		ID:             uuid.New(),
		PatientID:      patientID,
		VisitType:      visitType,
		ChiefComplaint: chiefComplaint,
		Status:         StatusCheckedIn,
		CreatedBy:      actor.UserID,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, v); err != nil {
			return err
		}
		if err := s.repo.AddStatusHistory(ctx, &StatusHistory{
			VisitID:   v.ID,
			ToStatus:  StatusCheckedIn,
			ActorID:   actor.UserID,
			ActorRole: actor.PrimaryRole(auth.RoleRegistrar),
		}); err != nil {
			return err
		}
		return s.pub.Publish(ctx, events.Event{
			Type:         events.VisitCreated,
			VisitID:      v.ID,
			ResourceType: "visit",
			ResourceID:   v.ID,
			Actor:        actor.UserID,
			Payload:      events.TransitionedPayload{To: string(StatusCheckedIn), Role: actor.PrimaryRole(auth.RoleRegistrar)},
		})
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("visit_id", v.ID.String()).
		Str("patient_id", patientID.String()).
		Str("actor", actor.UserID).
		Msg("visit checked in")
	return v, nil
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, status Status, limit, offset int) ([]*Visit, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// StatusHistory returns the committed status path of a visit, oldest first.
func (s *Service) StatusHistory(ctx context.Context, visitID uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.repo.GetByID(ctx, visitID); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, visitID)
}

func (s *Service) ListVitals(ctx context.Context, visitID uuid.UUID) ([]*Vitals, error) {
	if _, err := s.repo.GetByID(ctx, visitID); err != nil {
		return nil, err
	}
	return s.repo.ListVitals(ctx, visitID)
}

// RecordVitals stores triage vitals and moves the visit into triage in the
// same unit of work.
func (s *Service) RecordVitals(ctx context.Context, visitID uuid.UUID, vitals *Vitals, actor auth.Actor) (*Visit, error) {
	if err := vitals.Validate(); err != nil {
		return nil, err
	}
	var out *Visit
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(visitID)}, func(ctx context.Context) error {
		v, err := s.repo.GetForUpdate(ctx, visitID)
		if err != nil {
			return err
		}
		if v.Status != StatusCheckedIn {
			return apperror.Conflict(apperror.ReasonIllegalEdge,
				"vitals are recorded at check-in, visit %s is %s", visitID, v.Status)
		}
		if !actor.HasAny(auth.RoleNurse) {
			return apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not record vitals", actor)
		}

		vitals.VisitID = visitID
		vitals.RecordedBy = actor.UserID
		if err := s.repo.AddVitals(ctx, vitals); err != nil {
			return err
		}
		if err := s.pub.Publish(ctx, events.Event{
			Type:         events.VitalsRecorded,
			VisitID:      visitID,
			ResourceType: "vitals",
			ResourceID:   vitals.ID,
			Actor:        actor.UserID,
		}); err != nil {
			return err
		}
		out, err = s.apply(ctx, v, StatusInTriage, actor, "", false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestTransition moves a visit to target if the edge exists, the actor
// holds an authorized role, and the owning component agrees.
func (s *Service) RequestTransition(ctx context.Context, visitID uuid.UUID, target Status, actor auth.Actor) (*Visit, error) {
	return s.transition(ctx, visitID, target, actor, "", false)
}

// RouteVisit is the manual routing command used by station staff. Edges
// owned by another operation (vitals, lab ordering) are refused.
func (s *Service) RouteVisit(ctx context.Context, visitID uuid.UUID, destination Status, reason string, actor auth.Actor) (*Visit, error) {
	return s.transition(ctx, visitID, destination, actor, strings.TrimSpace(reason), true)
}

// EnterLab hands the visit to the laboratory. Called by lab ordering from
// inside its own unit of work, which already holds the visit lock.
func (s *Service) EnterLab(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*Visit, error) {
	return s.transition(ctx, visitID, StatusWithLab, actor, "lab tests ordered", false)
}

func (s *Service) transition(ctx context.Context, visitID uuid.UUID, target Status, actor auth.Actor, reason string, manual bool) (*Visit, error) {
	var out *Visit
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(visitID)}, func(ctx context.Context) error {
		v, err := s.repo.GetForUpdate(ctx, visitID)
		if err != nil {
			return err
		}
		out, err = s.apply(ctx, v, target, actor, reason, manual)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// apply runs the guards and, if they pass, persists the transition. The
// caller holds the visit lock and an open unit of work.
func (s *Service) apply(ctx context.Context, v *Visit, target Status, actor auth.Actor, reason string, manual bool) (*Visit, error) {
	log := zerolog.Ctx(ctx)

	if v.Status.Terminal() {
		return nil, apperror.Conflict(apperror.ReasonTerminalState, "visit %s is %s", v.ID, v.Status)
	}
	r, ok := lookupRule(v.Status, target)
	if !ok {
		return nil, apperror.Conflict(apperror.ReasonIllegalEdge, "cannot move visit from %s to %s", v.Status, target)
	}
	if !actor.HasAny(r.roles...) {
		log.Debug().Str("visit_id", v.ID.String()).Str("actor", actor.String()).
			Str("from", string(v.Status)).Str("to", string(target)).Msg("transition refused: role")
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted,
			"%s may not move a visit from %s to %s", actor, v.Status, target)
	}
	if manual && r.via != "" {
		return nil, apperror.Conflict(apperror.ReasonPreconditionFailed,
			"%s -> %s happens through %s", v.Status, target, r.via)
	}
	for _, p := range r.checks {
		if err := s.checkPrecondition(ctx, v, p); err != nil {
			log.Debug().Err(err).Str("visit_id", v.ID.String()).
				Str("from", string(v.Status)).Str("to", string(target)).Msg("transition refused: precondition")
			return nil, err
		}
	}

	from := v.Status
	role := actor.PrimaryRole(r.roles...)
	v.Status = target
	if err := s.repo.UpdateStatus(ctx, v); err != nil {
		return nil, err
	}
	if err := s.repo.AddStatusHistory(ctx, &StatusHistory{
		VisitID:    v.ID,
		FromStatus: from,
		ToStatus:   target,
		ActorID:    actor.UserID,
		ActorRole:  role,
		Reason:     reason,
	}); err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, events.Event{
		Type:         events.VisitTransitioned,
		VisitID:      v.ID,
		ResourceType: "visit",
		ResourceID:   v.ID,
		Actor:        actor.UserID,
		Payload:      events.TransitionedPayload{From: string(from), To: string(target), Role: role, Reason: reason},
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("visit_id", v.ID.String()).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("actor", actor.UserID).
		Msg("visit transitioned")
	return v, nil
}

func (s *Service) checkPrecondition(ctx context.Context, v *Visit, p precondition) error {
	var (
		ok  bool
		err error
		why string
	)
	switch p {
	case precondNone:
		return nil
	case precondVitalsRecorded:
		ok, err = s.repo.HasVitals(ctx, v.ID)
		why = "vitals have not been recorded"
	case precondOpenLabOrder:
		if s.guards.Labs == nil {
			return missingGuard("lab")
		}
		ok, err = s.guards.Labs.HasOpenOrders(ctx, v.ID)
		why = "the visit has no open lab order"
	case precondFinalized:
		if s.guards.Consultations == nil {
			return missingGuard("consultation")
		}
		ok, err = s.guards.Consultations.HasFinalizedConsultation(ctx, v.ID)
		why = "the latest consultation has no final diagnosis"
	case precondPendingRx:
		if s.guards.Prescriptions == nil {
			return missingGuard("prescription")
		}
		ok, err = s.guards.Prescriptions.HasPendingPrescriptions(ctx, v.ID)
		why = "the visit has no pending prescription"
	case precondLabsReturned:
		if s.guards.Labs == nil {
			return missingGuard("lab")
		}
		var open bool
		if open, err = s.guards.Labs.HasOpenOrders(ctx, v.ID); err == nil {
			if open {
				why = "lab orders are still awaiting results"
			} else {
				ok, err = s.guards.Labs.HasCompletedOrders(ctx, v.ID)
				why = "the visit has no completed lab order"
			}
		}
	case precondNoPendingRx:
		if s.guards.Prescriptions == nil {
			return missingGuard("prescription")
		}
		var pending bool
		pending, err = s.guards.Prescriptions.HasPendingPrescriptions(ctx, v.ID)
		ok = !pending
		why = "prescriptions are still pending"
	case precondSettled:
		if s.guards.Billing == nil {
			return missingGuard("billing")
		}
		ok, err = s.guards.Billing.IsSettled(ctx, v.ID)
		why = "the bill is not settled"
	default:
		return fmt.Errorf("unknown precondition %d", p)
	}
	if err != nil {
		return err
	}
	if !ok {
		return apperror.Conflict(apperror.ReasonPreconditionFailed, "%s", why)
	}
	return nil
}

func missingGuard(name string) error {
	return apperror.Conflict(apperror.ReasonPreconditionFailed, "no %s component is available to check this transition", name)
}
