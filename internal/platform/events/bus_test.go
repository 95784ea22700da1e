package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/db"
)

func TestBus_SubscribersRunInline(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var got []Type
	bus.Subscribe(HandlerFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	}), LabsOrdered, PrescriptionDispensed)

	bus.Publish(context.Background(), Event{Type: LabsOrdered})
	bus.Publish(context.Background(), Event{Type: VisitCreated})
	bus.Publish(context.Background(), Event{Type: PrescriptionDispensed})

	if len(got) != 2 || got[0] != LabsOrdered || got[1] != PrescriptionDispensed {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestBus_SubscriberErrorAbortsUnit(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	rec := &Recorder{}
	bus.AddSink(rec)
	boom := errors.New("bill is paid")
	bus.Subscribe(HandlerFunc(func(context.Context, Event) error { return boom }), LabsOrdered)

	err := db.LocalTransactor{}.InTx(context.Background(), func(ctx context.Context) error {
		return bus.Publish(ctx, Event{Type: LabsOrdered})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected subscriber error, got %v", err)
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("sinks must not see events of a failed unit, got %d", n)
	}
}

func TestBus_SinksAfterCommit(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	rec := &Recorder{}
	bus.AddSink(rec)

	err := db.LocalTransactor{}.InTx(context.Background(), func(ctx context.Context) error {
		if err := bus.Publish(ctx, Event{Type: VisitCreated, VisitID: uuid.New()}); err != nil {
			return err
		}
		if len(rec.Events()) != 0 {
			t.Error("sink delivered before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evs := rec.Events(VisitCreated)
	if len(evs) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(evs))
	}
	if evs[0].ID == uuid.Nil || evs[0].OccurredAt.IsZero() {
		t.Error("expected id and timestamp to be filled")
	}
}

type failingSink struct{}

func (failingSink) Deliver(context.Context, Event) error { return errors.New("broker down") }

func TestBus_SinkFailureDoesNotFailPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.AddSink(failingSink{})
	if err := bus.Publish(context.Background(), Event{Type: BillPaid}); err != nil {
		t.Fatalf("sink failure must not surface, got %v", err)
	}
}

func TestBus_TenantFromContext(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	rec := &Recorder{}
	bus.AddSink(rec)
	ctx := context.WithValue(context.Background(), db.TenantIDKey, "clinic_a")

	bus.Publish(ctx, Event{Type: VisitCreated})
	if got := rec.Events()[0].TenantID; got != "clinic_a" {
		t.Errorf("expected tenant clinic_a, got %q", got)
	}
}

// stuckSink ignores its context and blocks until release is closed.
type stuckSink struct{ release chan struct{} }

func (s stuckSink) Deliver(context.Context, Event) error {
	<-s.release
	return nil
}

func TestBus_SlowSinkIsCutOff(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.SetSinkTimeout(20 * time.Millisecond)
	stuck := stuckSink{release: make(chan struct{})}
	defer close(stuck.release)
	rec := &Recorder{}
	bus.AddSink(stuck)
	bus.AddSink(rec)

	start := time.Now()
	err := db.LocalTransactor{}.InTx(context.Background(), func(ctx context.Context) error {
		return bus.Publish(ctx, Event{Type: VisitCreated, VisitID: uuid.New()})
	})
	if err != nil {
		t.Fatalf("a failed sink must not fail the unit, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("delivery held the unit for %s", elapsed)
	}
	if n := len(rec.Events()); n != 1 {
		t.Errorf("later sinks must still receive the event, got %d", n)
	}
}

func TestMessage(t *testing.T) {
	visitID := uuid.New()
	e := Event{
		ID:      uuid.New(),
		Type:    VisitTransitioned,
		VisitID: visitID,
		Payload: TransitionedPayload{From: "BILLING", To: "COMPLETED"},
	}
	msg, err := Message(e)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery")
	}
	if msg.Type != string(VisitTransitioned) || msg.MessageId != e.ID.String() {
		t.Errorf("unexpected message metadata: %+v", msg)
	}
	if msg.Headers["visit_id"] != visitID.String() {
		t.Errorf("unexpected visit header: %v", msg.Headers["visit_id"])
	}

	var body struct {
		Type    Type                `json:"type"`
		Payload TransitionedPayload `json:"payload"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Payload.To != "COMPLETED" {
		t.Errorf("expected payload to survive encoding, got %+v", body.Payload)
	}
}
