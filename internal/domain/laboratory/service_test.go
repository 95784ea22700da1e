package laboratory

import (
	"context"
	"errors"
	"strings"
	"testing"
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

var (
	registrar = auth.Actor{UserID: "reg-1", Roles: []string{auth.RoleRegistrar}}
	nurse     = auth.Actor{UserID: "nurse-1", Roles: []string{auth.RoleNurse}}
	physician = auth.Actor{UserID: "doc-1", Roles: []string{auth.RolePhysician}}
	labTech   = auth.Actor{UserID: "lab-1", Roles: []string{auth.RoleLabTechnician}}
)

// -- Stub consultation lookup --

type stubConsultations struct {
	refs map[uuid.UUID]*ConsultationRef
}

func (s *stubConsultations) LookupConsultation(_ context.Context, id uuid.UUID) (*ConsultationRef, error) {
	ref, ok := s.refs[id]
	if !ok {
		return nil, apperror.NotFound("consultation", id)
	}
	cp := *ref
	return &cp, nil
}

type fixture struct {
	svc           *Service
	repo          *MemoryRepo
	visits        *visit.Service
	consultations *stubConsultations
	reports       *blobstore.MemoryStore
	bus           *events.Bus
	rec           *events.Recorder
	hb, glucose   *LabTest
}

func newFixture() *fixture {
	bus := events.NewBus(zerolog.Nop())
	rec := &events.Recorder{}
	bus.AddSink(rec)
	locker := lock.NewKeyedMutex(time.Second)
	tx := db.LocalTransactor{}

	visits := visit.NewService(visit.NewMemoryRepo(), tx, locker, bus)
	repo := NewMemoryRepo()
	low, high := 4.0, 7.8
	hbLow, hbHigh := 12.0, 16.0
	f := &fixture{
		repo:          repo,
		visits:        visits,
		consultations: &stubConsultations{refs: map[uuid.UUID]*ConsultationRef{}},
		reports:       blobstore.NewMemoryStore(),
		bus:           bus,
		rec:           rec,
		hb:            &LabTest{Code: "HB", Name: "Haemoglobin", Unit: "g/dL", ReferenceLow: &hbLow, ReferenceHigh: &hbHigh},
		glucose:       &LabTest{Code: "FBS", Name: "Fasting glucose", Unit: "mmol/L", ReferenceLow: &low, ReferenceHigh: &high},
	}
	repo.AddTest(f.hb)
	repo.AddTest(f.glucose)
	f.svc = NewService(repo, tx, locker, bus, visits, f.consultations, f.reports)
	visits.SetGuards(visit.Guards{Labs: f.svc})
	return f
}

// withDoctor returns a visit at the doctor's station and an in-progress
// consultation for it.
func (f *fixture) withDoctor(t *testing.T) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	v, err := f.visits.CreateVisit(ctx, uuid.New(), visit.TypeOutpatient, "tired", registrar)
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	pulse := 80
	if _, err := f.visits.RecordVitals(ctx, v.ID, &visit.Vitals{PulseBPM: &pulse}, nurse); err != nil {
		t.Fatalf("RecordVitals: %v", err)
	}
	if _, err := f.visits.RouteVisit(ctx, v.ID, visit.StatusWithDoctor, "", nurse); err != nil {
		t.Fatalf("RouteVisit: %v", err)
	}
	cid := uuid.New()
	f.consultations.refs[cid] = &ConsultationRef{ID: cid, VisitID: v.ID, InProgress: true}
	return v.ID, cid
}

func (f *fixture) collected(t *testing.T) (*LabOrder, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	visitID, cid := f.withDoctor(t)
	order, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID, f.glucose.ID}, PriorityUrgent, physician)
	if err != nil {
		t.Fatalf("OrderTests: %v", err)
	}
	if order, err = f.svc.MarkCollected(ctx, order.ID, labTech); err != nil {
		t.Fatalf("MarkCollected: %v", err)
	}
	return order, visitID
}

func TestOrderTests_MovesVisitToLab(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	visitID, cid := f.withDoctor(t)

	order, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician)
	if err != nil {
		t.Fatalf("OrderTests: %v", err)
	}
	if order.Status != OrderOrdered || order.Priority != PriorityRoutine {
		t.Errorf("unexpected order %+v", order)
	}
	v, _ := f.visits.GetVisit(ctx, visitID)
	if v.Status != visit.StatusWithLab {
		t.Errorf("expected WITH_LAB, got %s", v.Status)
	}
	if open, _ := f.svc.HasOpenOrders(ctx, visitID); !open {
		t.Error("expected an open order")
	}
	ordered := f.rec.Events(events.LabsOrdered)
	if len(ordered) != 1 {
		t.Fatalf("expected labs.ordered, got %d", len(ordered))
	}
	if p := ordered[0].Payload.(events.LabsOrderedPayload); len(p.TestIDs) != 1 || p.ConsultationID != cid {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestOrderTests_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, cid := f.withDoctor(t)

	tests := []struct {
		name     string
		ids      []uuid.UUID
		priority Priority
		field    string
	}{
		{"empty", nil, "", "test_ids"},
		{"duplicate", []uuid.UUID{f.hb.ID, f.hb.ID}, "", "test_ids[1]"},
		{"unknown test", []uuid.UUID{f.hb.ID, uuid.New()}, "", "test_ids[1]"},
		{"bad priority", []uuid.UUID{f.hb.ID}, "ASAP", "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.OrderTests(ctx, cid, tt.ids, tt.priority, physician)
			ve, ok := err.(*apperror.ValidationError)
			if !ok || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
	orders, _ := f.svc.ListByVisit(ctx, f.consultations.refs[cid].VisitID)
	if len(orders) != 0 {
		t.Errorf("rejected orders must not be stored, got %d", len(orders))
	}
}

func TestOrderTests_Conflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, cid := f.withDoctor(t)

	f.consultations.refs[cid].InProgress = false
	if _, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("completed consultation should conflict, got %v", err)
	}
	f.consultations.refs[cid].InProgress = true

	if _, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", nurse); apperror.ConflictReasonOf(err) != apperror.ReasonRoleNotPermitted {
		t.Fatalf("nurse cannot order labs, got %v", err)
	}

	if _, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician); err != nil {
		t.Fatalf("OrderTests: %v", err)
	}
	// The visit is now in the lab.
	if _, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.glucose.ID}, "", physician); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("ordering outside WITH_DOCTOR should conflict, got %v", err)
	}

	if _, err := f.svc.OrderTests(ctx, uuid.New(), []uuid.UUID{f.hb.ID}, "", physician); !apperror.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderTests_SubscriberFailureRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	visitID, cid := f.withDoctor(t)
	before, _ := f.visits.StatusHistory(ctx, visitID)
	delivered := len(f.rec.Events())

	f.bus.Subscribe(events.HandlerFunc(func(context.Context, events.Event) error {
		return errors.New("charge failed")
	}), events.LabsOrdered)

	if _, err := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician); err == nil {
		t.Fatal("expected the subscriber error")
	}
	orders, _ := f.svc.ListByVisit(ctx, visitID)
	if len(orders) != 0 {
		t.Errorf("expected no lab order after rollback, got %d", len(orders))
	}
	v, _ := f.visits.GetVisit(ctx, visitID)
	if v.Status != visit.StatusWithDoctor {
		t.Errorf("expected WITH_DOCTOR after rollback, got %s", v.Status)
	}
	if after, _ := f.visits.StatusHistory(ctx, visitID); len(after) != len(before) {
		t.Errorf("status history grew from %d to %d", len(before), len(after))
	}
	if n := len(f.rec.Events()); n != delivered {
		t.Errorf("expected no events from the failed unit, got %d new", n-delivered)
	}
}

func TestRecordResults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, visitID := f.collected(t)

	flag := false
	order, err := f.svc.RecordResults(ctx, order.ID, []ResultInput{
		{TestID: f.glucose.ID, Value: "9.1"},
		{TestID: f.hb.ID, Value: "10.2", Abnormal: &flag},
	}, labTech)
	if err != nil {
		t.Fatalf("RecordResults: %v", err)
	}
	if order.Status != OrderCompleted || order.CompletedAt == nil {
		t.Fatalf("expected COMPLETED, got %+v", order)
	}
	byTest := map[uuid.UUID]*Result{}
	for _, r := range order.Results {
		byTest[r.TestID] = r
	}
	if !byTest[f.glucose.ID].Abnormal || byTest[f.glucose.ID].ReferenceRange != "4-7.8" {
		t.Errorf("glucose 9.1 should be flagged against 4-7.8, got %+v", byTest[f.glucose.ID])
	}
	if byTest[f.hb.ID].Abnormal {
		t.Error("caller-supplied flag should win")
	}
	if byTest[f.hb.ID].Unit != "g/dL" {
		t.Errorf("unit should default from the catalog, got %q", byTest[f.hb.ID].Unit)
	}

	v, _ := f.visits.GetVisit(ctx, visitID)
	if v.Status != visit.StatusWithLab {
		t.Errorf("results must not move the visit, got %s", v.Status)
	}
	completed := f.rec.Events(events.LabsCompleted)
	if len(completed) != 1 || completed[0].Payload.(events.LabsCompletedPayload).AbnormalCount != 1 {
		t.Errorf("unexpected labs.completed events %+v", completed)
	}

	_, err = f.svc.RecordResults(ctx, order.ID, []ResultInput{{TestID: f.hb.ID, Value: "13"}, {TestID: f.glucose.ID, Value: "5"}}, labTech)
	if _, ok := err.(*apperror.AlreadyFinalizedError); !ok {
		t.Fatalf("expected AlreadyFinalized, got %v", err)
	}
}

func TestRecordResults_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, _ := f.collected(t)

	tests := []struct {
		name   string
		inputs []ResultInput
		field  string
	}{
		{"missing test", []ResultInput{{TestID: f.hb.ID, Value: "13"}}, "results"},
		{"unknown test", []ResultInput{{TestID: uuid.New(), Value: "1"}}, "results[0].test_id"},
		{"duplicate", []ResultInput{{TestID: f.hb.ID, Value: "13"}, {TestID: f.hb.ID, Value: "14"}}, "results[1].test_id"},
		{"empty value", []ResultInput{{TestID: f.hb.ID}, {TestID: f.glucose.ID, Value: "5"}}, "results[0].value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordResults(ctx, order.ID, tt.inputs, labTech)
			ve, ok := err.(*apperror.ValidationError)
			if !ok || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
	got, _ := f.svc.GetLabOrder(ctx, order.ID)
	if got.Status != OrderCollected || len(got.Results) != 0 {
		t.Errorf("rejected results must not be stored, got %+v", got)
	}
}

func TestRecordResults_BeforeCollection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, cid := f.withDoctor(t)
	order, _ := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician)

	_, err := f.svc.RecordResults(ctx, order.ID, []ResultInput{{TestID: f.hb.ID, Value: "13"}}, labTech)
	if apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestLabReturnRouting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, visitID := f.collected(t)

	if _, err := f.visits.RouteVisit(ctx, visitID, visit.StatusWithDoctor, "", labTech); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("open order should block return, got %v", err)
	}
	f.svc.RecordResults(ctx, order.ID, []ResultInput{{TestID: f.hb.ID, Value: "13"}, {TestID: f.glucose.ID, Value: "5"}}, labTech)

	v, err := f.visits.RouteVisit(ctx, visitID, visit.StatusWithDoctor, "", labTech)
	if err != nil {
		t.Fatalf("RouteVisit: %v", err)
	}
	if v.Status != visit.StatusWithDoctor {
		t.Errorf("expected WITH_DOCTOR, got %s", v.Status)
	}
}

func TestVerifyResults_Once(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, _ := f.collected(t)

	if _, err := f.svc.VerifyResults(ctx, order.ID, labTech); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("cannot verify before results, got %v", err)
	}
	f.svc.RecordResults(ctx, order.ID, []ResultInput{{TestID: f.hb.ID, Value: "13"}, {TestID: f.glucose.ID, Value: "5"}}, labTech)

	got, err := f.svc.VerifyResults(ctx, order.ID, labTech)
	if err != nil {
		t.Fatalf("VerifyResults: %v", err)
	}
	if got.VerifiedAt == nil || *got.VerifiedBy != labTech.UserID {
		t.Errorf("expected verification stamp, got %+v", got)
	}
	if _, err := f.svc.VerifyResults(ctx, order.ID, labTech); err == nil || apperror.KindOf(err) != apperror.KindAlreadyFinalized {
		t.Fatalf("expected AlreadyFinalized, got %v", err)
	}
}

func TestMarkCollected_Twice(t *testing.T) {
	f := newFixture()
	order, _ := f.collected(t)
	if _, err := f.svc.MarkCollected(context.Background(), order.ID, labTech); apperror.ConflictReasonOf(err) != apperror.ReasonIllegalEdge {
		t.Fatalf("expected illegal_edge, got %v", err)
	}
}

func TestAttachReport(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, visitID := f.collected(t)

	got, err := f.svc.AttachReport(ctx, order.ID, "cbc.pdf", "application/pdf", strings.NewReader("%PDF-1.4"), labTech)
	if err != nil {
		t.Fatalf("AttachReport: %v", err)
	}
	if got.ReportKey == nil || !strings.HasPrefix(*got.ReportKey, "lab-reports/"+visitID.String()+"/"+order.ID.String()+"/") {
		t.Fatalf("unexpected report key %v", got.ReportKey)
	}
	url, err := f.svc.ReportURL(ctx, order.ID)
	if err != nil || url == "" {
		t.Fatalf("ReportURL: %q %v", url, err)
	}

	if _, err := f.svc.AttachReport(ctx, order.ID, "cbc.exe", "application/x-msdownload", strings.NewReader("MZ"), labTech); !apperror.IsValidation(err) {
		t.Fatalf("expected validation error for content type, got %v", err)
	}
}

func TestAttachReport_RequiresCollected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, cid := f.withDoctor(t)
	order, _ := f.svc.OrderTests(ctx, cid, []uuid.UUID{f.hb.ID}, "", physician)

	_, err := f.svc.AttachReport(ctx, order.ID, "cbc.pdf", "application/pdf", strings.NewReader("x"), labTech)
	if apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
	if _, err := f.svc.ReportURL(ctx, order.ID); !apperror.IsNotFound(err) {
		t.Fatalf("expected not found without report, got %v", err)
	}
}

func TestCompletedOrdersForConsultation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, _ := f.collected(t)

	got, _ := f.svc.CompletedOrdersForConsultation(ctx, order.ConsultationID)
	if len(got) != 0 {
		t.Fatalf("expected no completed orders yet, got %d", len(got))
	}
	f.svc.RecordResults(ctx, order.ID, []ResultInput{{TestID: f.hb.ID, Value: "13"}, {TestID: f.glucose.ID, Value: "5"}}, labTech)

	got, _ = f.svc.CompletedOrdersForConsultation(ctx, order.ConsultationID)
	if len(got) != 1 || len(got[0].Results) != 2 {
		t.Fatalf("expected one completed order with results, got %+v", got)
	}
	if done, _ := f.svc.HasCompletedOrders(ctx, order.VisitID); !done {
		t.Error("expected HasCompletedOrders")
	}
}

func TestLabTest_OutOfRange(t *testing.T) {
	low, high := 3.5, 5.0
	k := &LabTest{ReferenceLow: &low, ReferenceHigh: &high}
	tests := []struct {
		value string
		want  bool
	}{
		{"4.2", false},
		{"3.4", true},
		{" 5.1 ", true},
		{"haemolysed", false},
	}
	for _, tt := range tests {
		if got := k.OutOfRange(tt.value); got != tt.want {
			t.Errorf("OutOfRange(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
	if (&LabTest{ReferenceText: "negative"}).ReferenceRange() != "negative" {
		t.Error("text reference range should pass through")
	}
}
