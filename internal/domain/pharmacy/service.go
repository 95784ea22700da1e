package pharmacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/consultation"
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

type ConsultationReader interface {
	GetConsultation(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error)
}

// Service is the dispensing ledger. Dispense takes the visit lock and its
// drug locks in one sorted acquisition, so every caller that holds several
// of these keys takes them in the same order and two dispenses that share
// drugs can never deadlock.
type Service struct {
	repo          Repository
	tx            db.Transactor
	locker        lock.Locker
	pub           events.Publisher
	visits        VisitReader
	consultations ConsultationReader
	now           func() time.Time
}

func NewService(repo Repository, tx db.Transactor, locker lock.Locker, pub events.Publisher,
	visits VisitReader, consultations ConsultationReader) *Service {
	return &Service{
		repo:          repo,
		tx:            tx,
		locker:        locker,
		pub:           pub,
		visits:        visits,
		consultations: consultations,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreatePrescription writes a PENDING prescription for a consultation whose
// visit is with the doctor.
func (s *Service) CreatePrescription(ctx context.Context, consultationID uuid.UUID, items []ItemInput, actor auth.Actor) (*Prescription, error) {
	if !actor.HasAny(auth.RolePhysician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not prescribe", actor)
	}
	if len(items) == 0 {
		return nil, apperror.Validation("items", "at least one item is required")
	}
	seen := make(map[uuid.UUID]bool, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for i, in := range items {
		field := fmt.Sprintf("items[%d]", i)
		if in.DrugID == uuid.Nil {
			return nil, apperror.Required(field + ".drug_id")
		}
		if in.Quantity <= 0 {
			return nil, apperror.Validation(field+".quantity", "must be greater than 0")
		}
		if in.DurationDays < 0 {
			return nil, apperror.Validation(field+".duration_days", "must not be negative")
		}
		if seen[in.DrugID] {
			return nil, apperror.Validation(field+".drug_id", "drug %s is prescribed twice", in.DrugID)
		}
		seen[in.DrugID] = true
		ids = append(ids, in.DrugID)
	}

	c, err := s.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}

	p := &Prescription{
		VisitID:        c.VisitID,
		ConsultationID: c.ID,
		Status:         PrescriptionPending,
		PrescribedBy:   actor.UserID,
	}
	err = lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(c.VisitID)}, func(ctx context.Context) error {
		v, err := s.visits.GetVisit(ctx, c.VisitID)
		if err != nil {
			return err
		}
		if v.Status != visit.StatusWithDoctor {
			return apperror.Conflict(apperror.ReasonPreconditionFailed, "visit %s is %s, not with the doctor", v.ID, v.Status)
		}
		drugs, err := s.repo.GetDrugs(ctx, ids)
		if err != nil {
			return err
		}
		for i, in := range items {
			if _, ok := drugs[in.DrugID]; !ok {
				return apperror.Validation(fmt.Sprintf("items[%d].drug_id", i), "unknown drug %s", in.DrugID)
			}
			p.Items = append(p.Items, &PrescriptionItem{
				DrugID:       in.DrugID,
				Quantity:     in.Quantity,
				Dose:         strings.TrimSpace(in.Dose),
				Frequency:    strings.TrimSpace(in.Frequency),
				DurationDays: in.DurationDays,
				Route:        strings.TrimSpace(in.Route),
				Instructions: strings.TrimSpace(in.Instructions),
			})
		}
		if err := s.repo.CreatePrescription(ctx, p); err != nil {
			return err
		}
		return s.publish(ctx, events.PrescriptionCreated, p, actor, nil)
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("visit_id", p.VisitID.String()).
		Str("prescription_id", p.ID.String()).
		Int("items", len(p.Items)).
		Msg("prescription created")
	return p, nil
}

// Dispense hands out every item of a prescription or nothing at all. When
// any item is short the error lists every shortage and no stock moves.
func (s *Service) Dispense(ctx context.Context, prescriptionID uuid.UUID, actor auth.Actor) (*Prescription, error) {
	if !actor.HasAny(auth.RolePharmacist) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not dispense", actor)
	}
	p, err := s.repo.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	keys := []string{lock.VisitKey(p.VisitID)}
	for _, id := range p.DrugIDs() {
		keys = append(keys, lock.DrugKey(id))
	}

	var dispensed []events.DispensedItem
	err = lock.Do(ctx, s.locker, s.tx, keys, func(ctx context.Context) error {
		p, err = s.repo.GetPrescriptionForUpdate(ctx, prescriptionID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PrescriptionDispensed:
			return &apperror.AlreadyDispensedError{PrescriptionID: p.ID}
		case PrescriptionCancelled:
			return apperror.Conflict(apperror.ReasonTerminalState, "prescription %s is cancelled", p.ID)
		}
		v, err := s.visits.GetVisit(ctx, p.VisitID)
		if err != nil {
			return err
		}
		if v.Status.Terminal() {
			return apperror.Conflict(apperror.ReasonTerminalState, "visit %s is %s", v.ID, v.Status)
		}

		drugs, err := s.repo.GetDrugsForUpdate(ctx, p.DrugIDs())
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*Drug, len(drugs))
		for _, d := range drugs {
			byID[d.ID] = d
		}

		var shortages []apperror.Shortage
		for _, it := range p.Items {
			d, ok := byID[it.DrugID]
			if !ok {
				return apperror.NotFound("drug", it.DrugID)
			}
			if d.StockQuantity < it.Quantity {
				shortages = append(shortages, apperror.Shortage{
					DrugID:    d.ID,
					DrugName:  d.Name,
					Requested: it.Quantity,
					Available: d.StockQuantity,
					Shortfall: it.Quantity - d.StockQuantity,
				})
			}
		}
		if len(shortages) > 0 {
			return &apperror.InsufficientStockError{PrescriptionID: p.ID, Shortages: shortages}
		}

		var low []*Drug
		for _, d := range drugs {
			it := itemFor(p, d.ID)
			balance, err := s.repo.AdjustStock(ctx, d.ID, -it.Quantity)
			if err != nil {
				return err
			}
			if err := s.repo.AddMovement(ctx, &StockMovement{
				DrugID:         d.ID,
				PrescriptionID: &p.ID,
				Kind:           MovementDispense,
				QuantityDelta:  -it.Quantity,
				BalanceAfter:   balance,
				ActorID:        actor.UserID,
			}); err != nil {
				return err
			}
			d.StockQuantity = balance
			if d.LowStock() {
				low = append(low, d)
			}
			dispensed = append(dispensed, events.DispensedItem{DrugID: d.ID, Quantity: it.Quantity, BalanceAfter: balance})
		}

		now := s.now()
		p.Status = PrescriptionDispensed
		p.DispensedBy = &actor.UserID
		p.DispensedAt = &now
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		if err := s.publish(ctx, events.PrescriptionDispensed, p, actor,
			events.DispensedPayload{ConsultationID: p.ConsultationID, Items: dispensed}); err != nil {
			return err
		}
		for _, d := range low {
			if err := s.publishStock(ctx, events.DrugLowStock, p.VisitID, d, 0, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInsufficientStock {
			zerolog.Ctx(ctx).Debug().Err(err).Str("prescription_id", prescriptionID.String()).Msg("dispense refused")
		}
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("visit_id", p.VisitID.String()).
		Str("prescription_id", p.ID.String()).
		Int("items", len(dispensed)).
		Str("actor", actor.UserID).
		Msg("prescription dispensed")
	return p, nil
}

func itemFor(p *Prescription, drugID uuid.UUID) *PrescriptionItem {
	for _, it := range p.Items {
		if it.DrugID == drugID {
			return it
		}
	}
	return nil
}

// CancelPrescription withdraws a PENDING prescription.
func (s *Service) CancelPrescription(ctx context.Context, prescriptionID uuid.UUID, reason string, actor auth.Actor) (*Prescription, error) {
	if !actor.HasAny(auth.RolePharmacist, auth.RolePhysician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not cancel prescriptions", actor)
	}
	p, err := s.repo.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	err = lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(p.VisitID)}, func(ctx context.Context) error {
		p, err = s.repo.GetPrescriptionForUpdate(ctx, prescriptionID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PrescriptionDispensed:
			return &apperror.AlreadyDispensedError{PrescriptionID: p.ID}
		case PrescriptionCancelled:
			return apperror.Conflict(apperror.ReasonTerminalState, "prescription %s is already cancelled", p.ID)
		}
		now := s.now()
		p.Status = PrescriptionCancelled
		p.CancelledBy = &actor.UserID
		p.CancelledAt = &now
		if reason = strings.TrimSpace(reason); reason != "" {
			p.CancelReason = &reason
		}
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		return s.publish(ctx, events.PrescriptionCancelled, p, actor, nil)
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("visit_id", p.VisitID.String()).
		Str("prescription_id", p.ID.String()).
		Msg("prescription cancelled")
	return p, nil
}

// Restock adds received units to a drug's stock.
func (s *Service) Restock(ctx context.Context, drugID uuid.UUID, quantity int, actor auth.Actor) (*Drug, error) {
	if !actor.HasAny(auth.RolePharmacist) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not restock drugs", actor)
	}
	if quantity <= 0 {
		return nil, apperror.Validation("quantity", "must be greater than 0")
	}
	var d *Drug
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.DrugKey(drugID)}, func(ctx context.Context) error {
		drugs, err := s.repo.GetDrugsForUpdate(ctx, []uuid.UUID{drugID})
		if err != nil {
			return err
		}
		if len(drugs) == 0 {
			return apperror.NotFound("drug", drugID)
		}
		d = drugs[0]
		balance, err := s.repo.AdjustStock(ctx, drugID, quantity)
		if err != nil {
			return err
		}
		d.StockQuantity = balance
		if err := s.repo.AddMovement(ctx, &StockMovement{
			DrugID:        drugID,
			Kind:          MovementRestock,
			QuantityDelta: quantity,
			BalanceAfter:  balance,
			ActorID:       actor.UserID,
		}); err != nil {
			return err
		}
		return s.publishStock(ctx, events.DrugRestocked, uuid.Nil, d, quantity, actor)
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("drug_id", drugID.String()).
		Int("quantity", quantity).
		Int("balance", d.StockQuantity).
		Msg("drug restocked")
	return d, nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetPrescription(ctx, id)
}

func (s *Service) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	return s.repo.ListByVisit(ctx, visitID)
}

func (s *Service) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return s.repo.GetDrug(ctx, id)
}

func (s *Service) ListMovements(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	if _, err := s.repo.GetDrug(ctx, drugID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMovements(ctx, drugID, limit, offset)
}

// HasPendingPrescriptions reports whether the visit still has prescriptions
// to dispense or cancel.
func (s *Service) HasPendingPrescriptions(ctx context.Context, visitID uuid.UUID) (bool, error) {
	n, err := s.repo.CountPending(ctx, visitID)
	return n > 0, err
}

func (s *Service) publish(ctx context.Context, t events.Type, p *Prescription, actor auth.Actor, payload interface{}) error {
	return s.pub.Publish(ctx, events.Event{
		Type:         t,
		VisitID:      p.VisitID,
		ResourceType: "prescription",
		ResourceID:   p.ID,
		Actor:        actor.UserID,
		Payload:      payload,
	})
}

func (s *Service) publishStock(ctx context.Context, t events.Type, visitID uuid.UUID, d *Drug, delta int, actor auth.Actor) error {
	return s.pub.Publish(ctx, events.Event{
		Type:         t,
		VisitID:      visitID,
		ResourceType: "drug",
		ResourceID:   d.ID,
		Actor:        actor.UserID,
		Payload:      events.StockPayload{DrugID: d.ID, Balance: d.StockQuantity, ReorderThreshold: d.ReorderThreshold, Delta: delta},
	})
}
