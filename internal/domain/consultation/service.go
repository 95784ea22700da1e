package consultation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/laboratory"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/events"
	"github.com/ehr/visitflow/internal/platform/lock"
)

type VisitReader interface {
	GetVisit(ctx context.Context, id uuid.UUID) (*visit.Visit, error)
}

// LabResults yields the completed, resulted lab orders of a consultation,
// most recently completed first.
type LabResults interface {
	CompletedOrdersForConsultation(ctx context.Context, consultationID uuid.UUID) ([]*laboratory.LabOrder, error)
}

// Service is the consultation gate. It decides, when a physician opens a
// consultation, whether this is a first encounter or the return from the
// laboratory, and persists that decision on the record.
type Service struct {
	repo   Repository
	tx     db.Transactor
	locker lock.Locker
	pub    events.Publisher
	visits VisitReader
	labs   LabResults
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, locker lock.Locker, pub events.Publisher, visits VisitReader) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		locker: locker,
		pub:    pub,
		visits: visits,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLabResults attaches the laboratory. Lab ordering looks consultations
// up through this service, so the two are wired after construction.
// Without it every open is a new encounter.
func (s *Service) SetLabResults(labs LabResults) {
	s.labs = labs
}

func (s *Service) completedOrders(ctx context.Context, consultationID uuid.UUID) ([]*laboratory.LabOrder, error) {
	if s.labs == nil {
		return nil, nil
	}
	return s.labs.CompletedOrdersForConsultation(ctx, consultationID)
}

type labReturnCandidate struct {
	consultation *Consultation
	orders       []*laboratory.LabOrder
	lastResult   time.Time
}

// OpenConsultation resolves the consultation a physician works on for a
// visit at the doctor's station.
func (s *Service) OpenConsultation(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (OpenedConsultation, error) {
	if !actor.HasAny(auth.RolePhysician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not open consultations", actor)
	}

	var opened OpenedConsultation
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(visitID)}, func(ctx context.Context) error {
		v, err := s.visits.GetVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if v.Status != visit.StatusWithDoctor {
			return &apperror.NoActiveConsultationError{
				VisitID: visitID,
				Detail:  fmt.Sprintf("visit is %s, not with the doctor", v.Status),
			}
		}

		existing, err := s.repo.ListByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		var (
			resume *labReturnCandidate
			reuse  *Consultation
		)
		for _, c := range existing {
			if c.Status != StatusInProgress {
				continue
			}
			orders, err := s.completedOrders(ctx, c.ID)
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				reuse = c
				continue
			}
			cand := &labReturnCandidate{consultation: c, orders: orders, lastResult: *orders[0].CompletedAt}
			if resume == nil || newerCandidate(cand, resume) {
				resume = cand
			}
		}

		switch {
		case resume != nil:
			opened, err = s.resume(ctx, resume, actor)
		case reuse != nil:
			opened = &NewEncounterConsultation{Consultation: reuse}
		default:
			opened, err = s.create(ctx, visitID, actor)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	c := opened.Record()
	zerolog.Ctx(ctx).Info().
		Str("visit_id", visitID.String()).
		Str("consultation_id", c.ID.String()).
		Str("mode", string(opened.Mode())).
		Str("actor", actor.UserID).
		Msg("consultation opened")
	return opened, nil
}

// newerCandidate orders lab-return candidates by opening time, then by the
// latest lab completion.
func newerCandidate(a, b *labReturnCandidate) bool {
	if !a.consultation.OpenedAt.Equal(b.consultation.OpenedAt) {
		return a.consultation.OpenedAt.After(b.consultation.OpenedAt)
	}
	return a.lastResult.After(b.lastResult)
}

func (s *Service) resume(ctx context.Context, cand *labReturnCandidate, actor auth.Actor) (OpenedConsultation, error) {
	c := cand.consultation
	now := s.now()
	c.Mode = ModeLabReturn
	c.ResumedAt = &now
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, events.ConsultationOpened, c, actor, false); err != nil {
		return nil, err
	}
	return &ResumedEncounterConsultation{Consultation: c, LabOrders: cand.orders}, nil
}

func (s *Service) create(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (OpenedConsultation, error) {
	c := &Consultation{
		VisitID:     visitID,
		Status:      StatusInProgress,
		Mode:        ModeNew,
		PhysicianID: actor.UserID,
		Diagnoses:   []Diagnosis{},
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, events.ConsultationOpened, c, actor, true); err != nil {
		return nil, err
	}
	return &NewEncounterConsultation{Consultation: c, Created: true}, nil
}

// SubmitConsultation records the physician's write-up. The consultation
// completes once it carries a FINAL diagnosis; until then it stays open
// for the lab work-up.
func (s *Service) SubmitConsultation(ctx context.Context, id uuid.UUID, sub Submission, actor auth.Actor) (*Consultation, error) {
	if !actor.HasAny(auth.RolePhysician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not submit consultations", actor)
	}
	diagnoses, err := normalizeDiagnoses(sub.Diagnoses)
	if err != nil {
		return nil, err
	}

	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	err = lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(c.VisitID)}, func(ctx context.Context) error {
		c, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusInProgress {
			return apperror.Conflict(apperror.ReasonTerminalState, "consultation %s is %s", c.ID, c.Status)
		}

		switch c.Mode {
		case ModeLabReturn:
			if !hasFinal(diagnoses) {
				return apperror.Validation("final_diagnosis", "a FINAL diagnosis is required after lab results")
			}
		default:
			if strings.TrimSpace(sub.ChiefComplaint) == "" {
				return apperror.Required("chief_complaint")
			}
			c.ChiefComplaint = strings.TrimSpace(sub.ChiefComplaint)
			c.HistoryOfPresentIllness = sub.HistoryOfPresentIllness
			c.PastMedicalHistory = sub.PastMedicalHistory
			c.Examination = sub.Examination
		}
		if sub.Notes != "" {
			c.Notes = sub.Notes
		}
		c.Diagnoses = diagnoses
		if c.HasFinalDiagnosis() {
			now := s.now()
			c.Status = StatusCompleted
			c.CompletedAt = &now
		}

		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		return s.publish(ctx, events.ConsultationSubmitted, c, actor, false)
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("visit_id", c.VisitID.String()).
		Str("consultation_id", c.ID.String()).
		Str("mode", string(c.Mode)).
		Str("status", string(c.Status)).
		Int("diagnoses", len(c.Diagnoses)).
		Msg("consultation submitted")
	return c, nil
}

func normalizeDiagnoses(in []Diagnosis) ([]Diagnosis, error) {
	out := make([]Diagnosis, 0, len(in))
	for i, d := range in {
		field := fmt.Sprintf("diagnoses[%d]", i)
		d.Code = strings.TrimSpace(d.Code)
		d.Description = strings.TrimSpace(d.Description)
		if d.Code == "" {
			return nil, apperror.Required(field + ".code")
		}
		if d.Description == "" {
			return nil, apperror.Required(field + ".description")
		}
		kind, ok := ParseDiagnosisKind(string(d.Kind))
		if !ok {
			return nil, apperror.Validation(field+".kind", "must be PROVISIONAL or FINAL")
		}
		d.Kind = kind
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Consultation, error) {
	if _, err := s.visits.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	return s.repo.ListByVisit(ctx, visitID)
}

// HasFinalizedConsultation reports whether the visit's latest consultation
// is completed with a FINAL diagnosis.
func (s *Service) HasFinalizedConsultation(ctx context.Context, visitID uuid.UUID) (bool, error) {
	cs, err := s.repo.ListByVisit(ctx, visitID)
	if err != nil || len(cs) == 0 {
		return false, err
	}
	latest := cs[len(cs)-1]
	return latest.Status == StatusCompleted && latest.HasFinalDiagnosis(), nil
}

// LookupConsultation serves lab ordering.
func (s *Service) LookupConsultation(ctx context.Context, id uuid.UUID) (*laboratory.ConsultationRef, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &laboratory.ConsultationRef{ID: c.ID, VisitID: c.VisitID, InProgress: c.Status == StatusInProgress}, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, c *Consultation, actor auth.Actor, created bool) error {
	return s.pub.Publish(ctx, events.Event{
		Type:         t,
		VisitID:      c.VisitID,
		ResourceType: "consultation",
		ResourceID:   c.ID,
		Actor:        actor.UserID,
		Payload:      events.ConsultationOpenedPayload{Mode: string(c.Mode), Created: created, Status: string(c.Status)},
	})
}
