package laboratory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/blobstore"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/events"
	"github.com/ehr/visitflow/internal/platform/lock"
)

// ConsultationRef is what lab ordering needs to know about a consultation.
type ConsultationRef struct {
	ID         uuid.UUID
	VisitID    uuid.UUID
	InProgress bool
}

type ConsultationLookup interface {
	LookupConsultation(ctx context.Context, id uuid.UUID) (*ConsultationRef, error)
}

type VisitRouter interface {
	GetVisit(ctx context.Context, id uuid.UUID) (*visit.Visit, error)
	EnterLab(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*visit.Visit, error)
}

const reportURLExpiry = 15 * time.Minute

type Service struct {
	repo          Repository
	tx            db.Transactor
	locker        lock.Locker
	pub           events.Publisher
	visits        VisitRouter
	consultations ConsultationLookup
	reports       blobstore.Store
}

func NewService(repo Repository, tx db.Transactor, locker lock.Locker, pub events.Publisher,
	visits VisitRouter, consultations ConsultationLookup, reports blobstore.Store) *Service {
	return &Service{
		repo:          repo,
		tx:            tx,
		locker:        locker,
		pub:           pub,
		visits:        visits,
		consultations: consultations,
		reports:       reports,
	}
}

// OrderTests places a lab order for a consultation and hands the visit to
// the laboratory in the same unit of work.
func (s *Service) OrderTests(ctx context.Context, consultationID uuid.UUID, testIDs []uuid.UUID, priority Priority, actor auth.Actor) (*LabOrder, error) {
	if !actor.HasAny(auth.RolePhysician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not order lab tests", actor)
	}
	if priority == "" {
		priority = PriorityRoutine
	}
	if !validPriorities[priority] {
		return nil, apperror.Validation("priority", "unknown priority %q", priority)
	}
	if len(testIDs) == 0 {
		return nil, apperror.Validation("test_ids", "at least one test is required")
	}
	seen := make(map[uuid.UUID]bool, len(testIDs))
	for i, id := range testIDs {
		if seen[id] {
			return nil, apperror.Validation(fmt.Sprintf("test_ids[%d]", i), "test %s is ordered twice", id)
		}
		seen[id] = true
	}

	ref, err := s.consultations.LookupConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}

	var order *LabOrder
	err = lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(ref.VisitID)}, func(ctx context.Context) error {
		// Re-read under the visit lock.
		ref, err := s.consultations.LookupConsultation(ctx, consultationID)
		if err != nil {
			return err
		}
		if !ref.InProgress {
			return apperror.Conflict(apperror.ReasonPreconditionFailed, "consultation %s is not in progress", consultationID)
		}
		v, err := s.visits.GetVisit(ctx, ref.VisitID)
		if err != nil {
			return err
		}
		if v.Status != visit.StatusWithDoctor {
			return apperror.Conflict(apperror.ReasonPreconditionFailed, "visit %s is %s, not with the doctor", v.ID, v.Status)
		}

		catalog, err := s.repo.GetTests(ctx, testIDs)
		if err != nil {
			return err
		}
		order = &LabOrder{
			VisitID:        ref.VisitID,
			ConsultationID: consultationID,
			Priority:       priority,
			Status:         OrderOrdered,
			OrderedBy:      actor.UserID,
		}
		for i, id := range testIDs {
			if _, ok := catalog[id]; !ok {
				return apperror.Validation(fmt.Sprintf("test_ids[%d]", i), "unknown lab test %s", id)
			}
			order.Items = append(order.Items, &OrderItem{TestID: id})
		}

		if err := s.repo.CreateOrder(ctx, order); err != nil {
			return err
		}
		if _, err := s.visits.EnterLab(ctx, ref.VisitID, actor); err != nil {
			return err
		}
		return s.pub.Publish(ctx, events.Event{
			Type:         events.LabsOrdered,
			VisitID:      ref.VisitID,
			ResourceType: "lab_order",
			ResourceID:   order.ID,
			Actor:        actor.UserID,
			Payload:      events.LabsOrderedPayload{ConsultationID: consultationID, TestIDs: testIDs, Priority: string(priority)},
		})
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("visit_id", order.VisitID.String()).
		Str("lab_order_id", order.ID.String()).
		Int("tests", len(order.Items)).
		Str("priority", string(priority)).
		Msg("lab tests ordered")
	return order, nil
}

// MarkCollected records specimen collection.
func (s *Service) MarkCollected(ctx context.Context, orderID uuid.UUID, actor auth.Actor) (*LabOrder, error) {
	if !actor.HasAny(auth.RoleLabTechnician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not collect specimens", actor)
	}
	return s.mutateOrder(ctx, orderID, func(ctx context.Context, o *LabOrder) error {
		switch o.Status {
		case OrderCollected:
			return apperror.Conflict(apperror.ReasonIllegalEdge, "specimen for lab order %s already collected", o.ID)
		case OrderCompleted:
			return &apperror.AlreadyFinalizedError{Resource: "lab_order", ID: o.ID}
		}
		now := time.Now().UTC()
		o.Status = OrderCollected
		o.CollectedBy = &actor.UserID
		o.CollectedAt = &now
		if err := s.repo.UpdateOrder(ctx, o); err != nil {
			return err
		}
		return s.publish(ctx, events.LabsCollected, o, actor, nil)
	})
}

// RecordResults stores one result per ordered test and completes the
// order. The visit stays where it is; lab staff route it back.
func (s *Service) RecordResults(ctx context.Context, orderID uuid.UUID, inputs []ResultInput, actor auth.Actor) (*LabOrder, error) {
	if !actor.HasAny(auth.RoleLabTechnician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not record lab results", actor)
	}
	return s.mutateOrder(ctx, orderID, func(ctx context.Context, o *LabOrder) error {
		switch o.Status {
		case OrderCompleted:
			return &apperror.AlreadyFinalizedError{Resource: "lab_order", ID: o.ID}
		case OrderOrdered:
			return apperror.Conflict(apperror.ReasonPreconditionFailed, "specimen for lab order %s has not been collected", o.ID)
		}

		catalog, err := s.repo.GetTests(ctx, o.TestIDs())
		if err != nil {
			return err
		}
		results, err := buildResults(o, inputs, catalog, actor.UserID)
		if err != nil {
			return err
		}

		if err := s.repo.AddResults(ctx, results); err != nil {
			return err
		}
		now := time.Now().UTC()
		o.Status = OrderCompleted
		o.CompletedAt = &now
		o.Results = results
		if err := s.repo.UpdateOrder(ctx, o); err != nil {
			return err
		}
		return s.publish(ctx, events.LabsCompleted, o, actor,
			events.LabsCompletedPayload{ConsultationID: o.ConsultationID, AbnormalCount: o.AbnormalCount()})
	})
}

// buildResults matches submitted results to the ordered tests, one each.
func buildResults(o *LabOrder, inputs []ResultInput, catalog map[uuid.UUID]*LabTest, recordedBy string) ([]*Result, error) {
	ordered := make(map[uuid.UUID]bool, len(o.Items))
	for _, it := range o.Items {
		ordered[it.TestID] = true
	}

	byTest := make(map[uuid.UUID]*Result, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("results[%d]", i)
		if !ordered[in.TestID] {
			return nil, apperror.Validation(field+".test_id", "test %s is not part of lab order %s", in.TestID, o.ID)
		}
		if _, dup := byTest[in.TestID]; dup {
			return nil, apperror.Validation(field+".test_id", "duplicate result for test %s", in.TestID)
		}
		if in.Value == "" {
			return nil, apperror.Required(field + ".value")
		}

		res := &Result{
			LabOrderID: o.ID,
			TestID:     in.TestID,
			Value:      in.Value,
			Unit:       in.Unit,
			RecordedBy: recordedBy,
		}
		if t, ok := catalog[in.TestID]; ok {
			if res.Unit == "" {
				res.Unit = t.Unit
			}
			res.ReferenceRange = t.ReferenceRange()
			res.Abnormal = t.OutOfRange(in.Value)
		}
		if in.Abnormal != nil {
			res.Abnormal = *in.Abnormal
		}
		byTest[in.TestID] = res
	}

	results := make([]*Result, 0, len(o.Items))
	for _, it := range o.Items {
		res, ok := byTest[it.TestID]
		if !ok {
			return nil, apperror.Validation("results", "missing result for test %s", it.TestID)
		}
		results = append(results, res)
	}
	return results, nil
}

// VerifyResults stamps the verification of a completed order, once.
func (s *Service) VerifyResults(ctx context.Context, orderID uuid.UUID, actor auth.Actor) (*LabOrder, error) {
	if !actor.HasAny(auth.RoleLabTechnician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not verify lab results", actor)
	}
	return s.mutateOrder(ctx, orderID, func(ctx context.Context, o *LabOrder) error {
		if o.Status != OrderCompleted {
			return apperror.Conflict(apperror.ReasonPreconditionFailed, "lab order %s has no results to verify", o.ID)
		}
		if o.VerifiedAt != nil {
			return &apperror.AlreadyFinalizedError{Resource: "lab_order", ID: o.ID}
		}
		now := time.Now().UTC()
		o.VerifiedBy = &actor.UserID
		o.VerifiedAt = &now
		if err := s.repo.UpdateOrder(ctx, o); err != nil {
			return err
		}
		return s.publish(ctx, events.LabsVerified, o, actor, nil)
	})
}

// AttachReport uploads the signed report of a collected order.
func (s *Service) AttachReport(ctx context.Context, orderID uuid.UUID, fileName, contentType string, body io.Reader, actor auth.Actor) (*LabOrder, error) {
	if !actor.HasAny(auth.RoleLabTechnician) {
		return nil, apperror.Conflict(apperror.ReasonRoleNotPermitted, "%s may not attach lab reports", actor)
	}
	if s.reports == nil {
		return nil, apperror.Conflict(apperror.ReasonPreconditionFailed, "report storage is not configured")
	}
	meta := blobstore.Object{FileName: fileName, ContentType: contentType, LabOrderID: orderID, CreatedBy: actor.UserID}
	if err := blobstore.Validate(meta); err != nil {
		return nil, apperror.Validation("file", "%s", err.Error())
	}

	return s.mutateOrder(ctx, orderID, func(ctx context.Context, o *LabOrder) error {
		if o.Status != OrderCollected {
			return apperror.Conflict(apperror.ReasonPreconditionFailed,
				"reports are attached to collected specimens, lab order %s is %s", o.ID, o.Status)
		}
		meta.VisitID = o.VisitID
		obj, err := s.reports.Put(ctx, meta, body)
		if errors.Is(err, blobstore.ErrFileTooLarge) {
			return apperror.Validation("file", "%s", err.Error())
		}
		if err != nil {
			return fmt.Errorf("store lab report: %w", err)
		}
		o.ReportKey = &obj.Key
		return s.repo.UpdateOrder(ctx, o)
	})
}

// ReportURL returns a short-lived download link for the order's report.
func (s *Service) ReportURL(ctx context.Context, orderID uuid.UUID) (string, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.ReportKey == nil || s.reports == nil {
		return "", apperror.NotFound("lab_report", orderID)
	}
	url, err := s.reports.PresignedURL(ctx, *o.ReportKey, reportURLExpiry)
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		return "", apperror.NotFound("lab_report", orderID)
	}
	return url, err
}

func (s *Service) GetLabOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*LabOrder, error) {
	return s.repo.ListByVisit(ctx, visitID)
}

// HasOpenOrders reports whether any order of the visit awaits results.
func (s *Service) HasOpenOrders(ctx context.Context, visitID uuid.UUID) (bool, error) {
	n, err := s.repo.CountByStatus(ctx, visitID, OrderOrdered, OrderCollected)
	return n > 0, err
}

func (s *Service) HasCompletedOrders(ctx context.Context, visitID uuid.UUID) (bool, error) {
	n, err := s.repo.CountByStatus(ctx, visitID, OrderCompleted)
	return n > 0, err
}

// CompletedOrdersForConsultation returns the consultation's completed
// orders that carry results, most recently completed first.
func (s *Service) CompletedOrdersForConsultation(ctx context.Context, consultationID uuid.UUID) ([]*LabOrder, error) {
	orders, err := s.repo.ListByConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	var out []*LabOrder
	for _, o := range orders {
		if o.Status == OrderCompleted && len(o.Results) > 0 {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out, nil
}

// mutateOrder runs fn on the order under its visit's lock.
func (s *Service) mutateOrder(ctx context.Context, orderID uuid.UUID, fn func(ctx context.Context, o *LabOrder) error) (*LabOrder, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var out *LabOrder
	err = lock.Do(ctx, s.locker, s.tx, []string{lock.VisitKey(o.VisitID)}, func(ctx context.Context) error {
		o, err := s.repo.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("visit_id", out.VisitID.String()).
		Str("lab_order_id", out.ID.String()).
		Str("status", string(out.Status)).
		Msg("lab order updated")
	return out, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, o *LabOrder, actor auth.Actor, payload interface{}) error {
	return s.pub.Publish(ctx, events.Event{
		Type:         t,
		VisitID:      o.VisitID,
		ResourceType: "lab_order",
		ResourceID:   o.ID,
		Actor:        actor.UserID,
		Payload:      payload,
	})
}
