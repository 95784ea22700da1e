package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/visitflow/internal/domain/pricing"
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

// Pricer quotes billable events. Billing never computes prices itself.
type Pricer interface {
	ConsultationFee(ctx context.Context) (*pricing.Quote, error)
	LabTests(ctx context.Context, testIDs []uuid.UUID) (*pricing.Quote, error)
	Dispensed(ctx context.Context, items []events.DispensedItem) (*pricing.Quote, error)
}

// ChargedEvents are the events Handle turns into charges.
var ChargedEvents = []events.Type{
	events.ConsultationOpened,
	events.LabsOrdered,
	events.PrescriptionDispensed,
}

// Service accumulates a visit's charges on its bill. Charges are keyed by
// the id of the record that caused them, so redelivered events are
// charged once.
type Service struct {
	repo   Repository
	tx     db.Transactor
	locker lock.Locker
	pub    events.Publisher
	visits VisitReader
	prices Pricer
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, locker lock.Locker, pub events.Publisher, visits VisitReader, prices Pricer) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		locker: locker,
		pub:    pub,
		visits: visits,
		prices: prices,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordCharge adds a charge to the visit's bill, opening the bill on the
// first charge.
func (s *Service) RecordCharge(ctx context.Context, visitID uuid.UUID, sourceEvent events.Type, sourceEventID uuid.UUID,
	description string, amount decimal.Decimal) (*Charge, error) {
	if sourceEventID == uuid.Nil {
		return nil, apperror.Required("source_event_id")
	}
	if amount.IsNegative() {
		return nil, apperror.Validation("amount", "must not be negative")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = string(sourceEvent)
	}

	var (
		charge *Charge
		added  bool
		total  decimal.Decimal
	)
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(visitID)}, func(ctx context.Context) error {
		if _, err := s.visits.GetVisit(ctx, visitID); err != nil {
			return err
		}
		bill, err := s.openBill(ctx, visitID)
		if err != nil {
			return err
		}
		if bill.Status == BillPaid {
			return apperror.Conflict(apperror.ReasonTerminalState, "bill of visit %s is already paid", visitID)
		}

		charge, added, err = s.repo.AddCharge(ctx, &Charge{
			BillID:        bill.ID,
			SourceEvent:   sourceEvent,
			SourceEventID: sourceEventID,
			Description:   description,
			Amount:        amount,
		})
		if err != nil || !added {
			return err
		}
		bill.Total = bill.Total.Add(amount)
		total = bill.Total
		if err := s.repo.Update(ctx, bill); err != nil {
			return err
		}
		return s.pub.Publish(ctx, events.Event{
			Type:         events.BillCharged,
			VisitID:      visitID,
			ResourceType: "bill",
			ResourceID:   bill.ID,
			Payload: events.ChargePayload{
				SourceEvent:   sourceEvent,
				SourceEventID: sourceEventID,
				Amount:        amount,
				Total:         bill.Total,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx)
	if !added {
		log.Debug().
			Str("visit_id", visitID.String()).
			Str("source_event_id", sourceEventID.String()).
			Msg("charge already recorded")
		return charge, nil
	}
	log.Info().
		Str("visit_id", visitID.String()).
		Str("source_event", string(sourceEvent)).
		Str("amount", amount.String()).
		Str("total", total.String()).
		Msg("charge recorded")
	return charge, nil
}

func (s *Service) openBill(ctx context.Context, visitID uuid.UUID) (*Bill, error) {
	bill, err := s.repo.GetByVisitForUpdate(ctx, visitID)
	if err == nil || !apperror.IsNotFound(err) {
		return bill, err
	}
	bill = &Bill{VisitID: visitID, Status: BillOpen, Total: decimal.Zero}
	if err := s.repo.Create(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

// Handle charges the events listed in ChargedEvents. It runs inside the
// publisher's unit of work, so a failed charge aborts the operation that
// caused it.
func (s *Service) Handle(ctx context.Context, e events.Event) error {
	var (
		quote *pricing.Quote
		err   error
	)
	switch p := e.Payload.(type) {
	case events.ConsultationOpenedPayload:
		if !p.Created {
			return nil
		}
		quote, err = s.prices.ConsultationFee(ctx)
	case events.LabsOrderedPayload:
		quote, err = s.prices.LabTests(ctx, p.TestIDs)
	case events.DispensedPayload:
		quote, err = s.prices.Dispensed(ctx, p.Items)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("price %s: %w", e.Type, err)
	}
	_, err = s.RecordCharge(ctx, e.VisitID, e.Type, e.ResourceID, quote.Description, quote.Total)
	return err
}

// GetBill returns the visit's bill with its charges.
func (s *Service) GetBill(ctx context.Context, visitID uuid.UUID) (*Bill, error) {
	return s.repo.GetByVisit(ctx, visitID)
}

// MarkPaid settles the visit's bill once the visit has reached the billing
// station; earlier stations may still add charges. A visit that accrued no
// charges gets an empty bill so it can still be settled.
func (s *Service) MarkPaid(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*Bill, error) {
	if !actor.HasAny(auth.RoleCashier) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not settle bills", actor)
	}
	var bill *Bill
	err := lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(visitID)}, func(ctx context.Context) error {
		v, err := s.visits.GetVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if v.Status != visit.StatusBilling {
			return apperror.Conflict(apperror.ReasonPreconditionFailed,
				"visit %s is %s; bills are settled at %s", visitID, v.Status, visit.StatusBilling)
		}
		bill, err = s.openBill(ctx, visitID)
		if err != nil {
			return err
		}
		if bill.Status == BillPaid {
			return &apperror.AlreadyFinalizedError{Resource: "bill", ID: bill.ID}
		}
		now := s.now()
		bill.Status = BillPaid
		bill.PaidAt = &now
		bill.PaidBy = &actor.UserID
		if err := s.repo.Update(ctx, bill); err != nil {
			return err
		}
		return s.pub.Publish(ctx, events.Event{
			Type:         events.BillPaid,
			VisitID:      visitID,
			ResourceType: "bill",
			ResourceID:   bill.ID,
			Actor:        actor.UserID,
			Payload:      events.ChargePayload{Amount: bill.Total, Total: bill.Total},
		})
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("visit_id", visitID.String()).
		Str("total", bill.Total.String()).
		Str("actor", actor.UserID).
		Msg("bill paid")
	return s.repo.GetByVisit(ctx, visitID)
}

// IsSettled reports whether the visit owes nothing: the bill is paid or its
// total is zero.
func (s *Service) IsSettled(ctx context.Context, visitID uuid.UUID) (bool, error) {
	bill, err := s.repo.GetByVisit(ctx, visitID)
	if apperror.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bill.Status == BillPaid || bill.Total.IsZero(), nil
}
