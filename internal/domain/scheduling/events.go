package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBookingReserved  EventType = "booking.reserved"
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingCompleted EventType = "booking.completed"
	EventSlotBlocked      EventType = "slot.blocked"
	EventSlotUnblocked    EventType = "slot.unblocked"
	EventSlotsGenerated   EventType = "slots.generated"
)

// Event describes a committed change. It is published after the commit and
// never influences it.
type Event struct {
	Type         EventType     `json:"type"`
	OccurredAt   time.Time     `json:"occurred_at"`
	ActorID      uuid.UUID     `json:"actor_id"`
	ActorRole    Role          `json:"actor_role"`
	ProviderID   uuid.UUID     `json:"provider_id"`
	SlotID       *uuid.UUID    `json:"slot_id,omitempty"`
	BookingID    *uuid.UUID    `json:"booking_id,omitempty"`
	ClientID     *uuid.UUID    `json:"client_id,omitempty"`
	SlotStart    *time.Time    `json:"slot_start,omitempty"`
	CancelReason *CancelReason `json:"cancel_reason,omitempty"`
	SlotsCreated int           `json:"slots_created,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Recorder receives engine measurements.
type Recorder interface {
	ObserveOperation(op Operation, err error, elapsed time.Duration)
	ObserveRetry(op Operation)
	ObserveSlotsGenerated(created, candidates int)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(Operation, error, time.Duration) {}
func (nopRecorder) ObserveRetry(Operation)                           {}
func (nopRecorder) ObserveSlotsGenerated(int, int)                   {}

func bookingEvent(typ EventType, a Actor, b *Booking, at time.Time) Event {
	return Event{
		Type:         typ,
		OccurredAt:   at,
		ActorID:      a.ID,
		ActorRole:    a.Role,
		ProviderID:   b.ProviderID,
		SlotID:       &b.SlotID,
		BookingID:    &b.ID,
		ClientID:     &b.ClientID,
		SlotStart:    &b.SlotStart,
		CancelReason: b.CancelReason,
	}
}
