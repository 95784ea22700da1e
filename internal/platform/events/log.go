package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes one debug line per committed event.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, e Event) error {
	s.Logger.Debug().
		Str("event_id", e.ID.String()).
		Str("event_type", string(e.Type)).
		Str("visit_id", e.VisitID.String()).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID.String()).
		Str("actor", e.Actor).
		Msg("event committed")
	return nil
}
