package stationboard

import (
	"context"

	"github.com/ehr/visitflow/internal/platform/events"
)

// Sink moves visits on the board and notifies station screens when a
// visit is created or transitions.
type Sink struct {
	board Board
	hub   *Hub
}

func NewSink(board Board, hub *Hub) *Sink {
	return &Sink{board: board, hub: hub}
}

func (s *Sink) Deliver(ctx context.Context, e events.Event) error {
	if e.Type != events.VisitCreated && e.Type != events.VisitTransitioned {
		return nil
	}
	var p events.TransitionedPayload
	switch v := e.Payload.(type) {
	case events.TransitionedPayload:
		p = v
	case *events.TransitionedPayload:
		p = *v
	default:
		return nil
	}

	from, to := StationFor(p.From), StationFor(p.To)
	if from == to {
		return nil
	}
	if err := s.board.Move(ctx, e.TenantID, e.VisitID, from, to, e.OccurredAt); err != nil {
		return err
	}

	if s.hub != nil {
		if from != "" {
			s.hub.Broadcast(Update{Kind: UpdateLeft, Station: from, VisitID: e.VisitID, Status: p.To, At: e.OccurredAt})
		}
		if to != "" {
			s.hub.Broadcast(Update{Kind: UpdateArrived, Station: to, VisitID: e.VisitID, Status: p.To, At: e.OccurredAt})
		}
	}
	return nil
}
