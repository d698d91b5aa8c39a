package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

// LogPublisher writes events to the log. It is the publisher used when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev scheduling.Event) error {
	evt := p.logger.Info().
		Str("event", string(ev.Type)).
		Str("actor_id", ev.ActorID.String()).
		Str("actor_role", string(ev.ActorRole)).
		Str("provider_id", ev.ProviderID.String())
	if ev.BookingID != nil {
		evt = evt.Str("booking_id", ev.BookingID.String())
	}
	if ev.SlotID != nil {
		evt = evt.Str("slot_id", ev.SlotID.String())
	}
	if ev.CancelReason != nil {
		evt = evt.Str("cancel_reason", string(*ev.CancelReason))
	}
	if ev.SlotsCreated > 0 {
		evt = evt.Int("slots_created", ev.SlotsCreated)
	}
	evt.Msg("scheduling event")
	return nil
}
