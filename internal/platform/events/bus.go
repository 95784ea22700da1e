package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/db"
)

// DefaultSinkTimeout bounds one sink delivery.
const DefaultSinkTimeout = 2 * time.Second

// Bus dispatches events to in-process handlers and post-commit sinks.
//
// Sinks run after commit but before lock.Do releases the unit's keys, so
// events of one visit reach every sink in commit order. Each delivery is
// cut off after the sink timeout, which bounds how long a slow sink holds
// the visit lock. A delivery that times out is logged and abandoned.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	sinks       []Sink
	sinkTimeout time.Duration
	logger      zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[Type][]Handler),
		sinkTimeout: DefaultSinkTimeout,
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// SetSinkTimeout changes the per-delivery bound. Zero keeps the default.
func (b *Bus) SetSinkTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.sinkTimeout = d
	b.mu.Unlock()
}

// Subscribe registers h for the given event types.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// AddSink registers s for every event.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish runs subscribers in registration order and schedules sink
// delivery for after commit. The first subscriber error is returned.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.TenantID == "" {
		e.TenantID = db.TenantFromContext(ctx)
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	sinks := append([]Sink(nil), b.sinks...)
	timeout := b.sinkTimeout
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, e); err != nil {
			return fmt.Errorf("handle %s: %w", e.Type, err)
		}
	}

	if len(sinks) > 0 {
		db.AfterCommit(ctx, func(ctx context.Context) {
			for _, s := range sinks {
				if err := deliver(ctx, s, e, timeout); err != nil {
					b.logger.Error().Err(err).
						Str("event_id", e.ID.String()).
						Str("event_type", string(e.Type)).
						Str("visit_id", e.VisitID.String()).
						Msg("event delivery failed")
				}
			}
		})
	}
	return nil
}

// deliver runs one sink delivery and gives up on it after timeout.
func deliver(ctx context.Context, s Sink, e Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Deliver(ctx, e) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("deliver to %T: %w", s, ctx.Err())
	}
}

// Recorder is a Sink that keeps delivered events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the delivered events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range r.events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}
