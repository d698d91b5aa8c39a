package scheduling

import (
	"fmt"

	"github.com/google/uuid"
)

type Operation string

const (
	OpSaveProvider  Operation = "save_provider"
	OpGenerateSlots Operation = "generate_slots"
	OpReserve       Operation = "reserve"
	OpCancel        Operation = "cancel"
	OpUpdateOutcome Operation = "update_outcome"
	OpSetSlotStatus Operation = "set_slot_status"
	OpListSlots     Operation = "list_slots"
	OpListBookings  Operation = "list_bookings"
)

// Relation is how an actor stands to the resource an operation touches.
type Relation int

const (
	RelAdministrator Relation = iota + 1
	RelOwningProvider
	RelOwningClient
)

func (r Relation) String() string {
	switch r {
	case RelAdministrator:
		return "administrator"
	case RelOwningProvider:
		return "owning_provider"
	case RelOwningClient:
		return "owning_client"
	}
	return "unknown"
}

// capabilities lists, per mutating operation, the relations that grant it.
var capabilities = map[Operation][]Relation{
	OpSaveProvider:  {RelAdministrator},
	OpGenerateSlots: {RelAdministrator},
	OpReserve:       {RelAdministrator, RelOwningClient},
	OpCancel:        {RelAdministrator, RelOwningClient},
	OpUpdateOutcome: {RelAdministrator, RelOwningProvider},
	OpSetSlotStatus: {RelAdministrator, RelOwningProvider},
}

// Ownership names the provider and client a resource belongs to. Either may
// be uuid.Nil when the resource has no such owner.
type Ownership struct {
	ProviderID uuid.UUID
	ClientID   uuid.UUID
}

// Relations returns every relation a holds to a resource with ownership o.
func Relations(a Actor, o Ownership) []Relation {
	var rels []Relation
	if a.Role == RoleAdministrator {
		rels = append(rels, RelAdministrator)
	}
	if a.Role == RoleProvider && o.ProviderID != uuid.Nil && a.ID == o.ProviderID {
		rels = append(rels, RelOwningProvider)
	}
	if a.Role == RoleClient && o.ClientID != uuid.Nil && a.ID == o.ClientID {
		rels = append(rels, RelOwningClient)
	}
	return rels
}

// Authorize returns ErrForbidden unless one of the actor's relations to the
// resource appears in the capability table for op.
func Authorize(op Operation, a Actor, o Ownership) error {
	allowed := capabilities[op]
	for _, have := range Relations(a, o) {
		for _, want := range allowed {
			if have == want {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s as %s", ErrForbidden, op, a.Role)
}
