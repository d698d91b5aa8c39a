package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the engine relies on. Lookups return
// ErrProviderNotFound, ErrSlotNotFound or ErrBookingNotFound on a miss.
type Store interface {
	SaveProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)

	// InsertSlots stores new free slots, silently skipping any whose
	// (provider, start) already exists, and returns how many were stored.
	InsertSlots(ctx context.Context, slots []*Slot) (int, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	GetSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*Slot, error)
	ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error)

	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	HasScheduledBooking(ctx context.Context, clientID uuid.UUID, start time.Time) (bool, error)
	ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error)

	// Commit applies t atomically or not at all. It returns ErrStoreConflict
	// when the slot or booking no longer matches the expected prior state and
	// ErrClientConflict when a new booking collides with another scheduled
	// booking of the same client at the same start.
	Commit(ctx context.Context, t Transition) error
}

// Transition is one compare-and-swap on a slot plus at most one booking
// write, committed together.
type Transition struct {
	SlotID      uuid.UUID
	FromStatus  SlotStatus
	FromVersion int64
	ToStatus    SlotStatus
	At          time.Time

	// NewBooking is inserted as given; it must be scheduled.
	NewBooking *Booking
	// Booking moves an existing booking between statuses.
	Booking *BookingChange
}

type BookingChange struct {
	BookingID       uuid.UUID
	From            BookingStatus
	To              BookingStatus
	CancelledBy     *uuid.UUID
	CancelledByRole *Role
	CancelReason    *CancelReason
}

// apply writes the change onto b. Callers have already checked b.Status.
func (c *BookingChange) apply(b *Booking, at time.Time) {
	b.Status = c.To
	b.CancelledBy = c.CancelledBy
	b.CancelledByRole = c.CancelledByRole
	b.CancelReason = c.CancelReason
	b.UpdatedAt = at
}

// apply writes the transition's target state onto s.
func (t *Transition) apply(s *Slot) {
	s.Status = t.ToStatus
	s.Version = t.FromVersion + 1
	s.UpdatedAt = t.At
}

func (t *Transition) matches(s *Slot) bool {
	return s.Status == t.FromStatus && s.Version == t.FromVersion
}
