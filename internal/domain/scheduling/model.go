package scheduling

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotFree    SlotStatus = "free"
	SlotHeld    SlotStatus = "held"
	SlotBlocked SlotStatus = "blocked"
)

type BookingStatus string

const (
	BookingScheduled BookingStatus = "scheduled"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleProvider      Role = "provider"
	RoleClient        Role = "client"
)

// CancelReason tells apart the paths that can move a booking to cancelled.
type CancelReason string

const (
	CancelClientRequest    CancelReason = "client_request"
	CancelAdministrator    CancelReason = "admin_cancel"
	CancelAdminOverride    CancelReason = "admin_override"
	CancelProviderOverride CancelReason = "provider_override"
)

// Provider is a physician whose calendar is cut into slots of VisitMinutes.
type Provider struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	VisitMinutes int       `db:"visit_minutes" json:"visit_minutes"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Provider) VisitDuration() time.Duration {
	return time.Duration(p.VisitMinutes) * time.Minute
}

// Slot is one bookable interval on a provider's calendar. Version increases
// on every committed status write and is the compare-and-swap token.
type Slot struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	ProviderID uuid.UUID  `db:"provider_id" json:"provider_id"`
	Start      time.Time  `db:"start_time" json:"start"`
	End        time.Time  `db:"end_time" json:"end"`
	Status     SlotStatus `db:"status" json:"status"`
	Version    int64      `db:"version" json:"version"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Booking is a client's claim on a slot. SlotStart, SlotEnd and ProviderID are
// copied from the slot at reservation time.
type Booking struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	SlotID          uuid.UUID     `db:"slot_id" json:"slot_id"`
	ClientID        uuid.UUID     `db:"client_id" json:"client_id"`
	ProviderID      uuid.UUID     `db:"provider_id" json:"provider_id"`
	SlotStart       time.Time     `db:"slot_start" json:"slot_start"`
	SlotEnd         time.Time     `db:"slot_end" json:"slot_end"`
	Status          BookingStatus `db:"status" json:"status"`
	CancelledBy     *uuid.UUID    `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledByRole *Role         `db:"cancelled_by_role" json:"cancelled_by_role,omitempty"`
	CancelReason    *CancelReason `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Actor is the already-authenticated caller of an engine operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func (a Actor) IsAdministrator() bool { return a.Role == RoleAdministrator }

// SlotFilter selects slots that lie entirely inside [From, To]: From bounds
// the start and To bounds the end.
type SlotFilter struct {
	ProviderID *uuid.UUID
	From       *time.Time
	To         *time.Time
	Status     SlotStatus
}

// BookingFilter applies the same window to the booked slot.
type BookingFilter struct {
	ClientID   *uuid.UUID
	ProviderID *uuid.UUID
	Status     BookingStatus
	From       *time.Time
	To         *time.Time
}

func (s SlotFilter) matches(sl *Slot) bool {
	if s.ProviderID != nil && sl.ProviderID != *s.ProviderID {
		return false
	}
	if s.From != nil && sl.Start.Before(*s.From) {
		return false
	}
	if s.To != nil && sl.End.After(*s.To) {
		return false
	}
	if s.Status != "" && sl.Status != s.Status {
		return false
	}
	return true
}

func (f BookingFilter) matches(b *Booking) bool {
	if f.ClientID != nil && b.ClientID != *f.ClientID {
		return false
	}
	if f.ProviderID != nil && b.ProviderID != *f.ProviderID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.From != nil && b.SlotStart.Before(*f.From) {
		return false
	}
	if f.To != nil && b.SlotEnd.After(*f.To) {
		return false
	}
	return true
}

// bookingOrder sorts by slot start, then id.
func bookingOrder(items []*Booking) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].SlotStart.Equal(items[j].SlotStart) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].SlotStart.Before(items[j].SlotStart)
	})
}

func ValidSlotStatus(s SlotStatus) bool {
	switch s {
	case SlotFree, SlotHeld, SlotBlocked:
		return true
	}
	return false
}

func ValidBookingStatus(s BookingStatus) bool {
	switch s {
	case BookingScheduled, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdministrator, RoleProvider, RoleClient:
		return r, true
	}
	return "", false
}
