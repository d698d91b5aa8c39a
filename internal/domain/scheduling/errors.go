package scheduling

import "errors"

var (
	ErrInvalidDuration            = errors.New("visit duration must be a positive number of minutes")
	ErrInvalidRange               = errors.New("invalid date range or daily window")
	ErrInvalidOutcome             = errors.New("outcome must be completed or cancelled")
	ErrInvalidStatus              = errors.New("target status must be blocked or free")
	ErrInvalidProvider            = errors.New("provider name is required")
	ErrProviderNotFound           = errors.New("provider not found")
	ErrSlotNotFound               = errors.New("slot not found")
	ErrSlotUnavailable            = errors.New("slot is not available")
	ErrSlotOccupied               = errors.New("slot has an active booking")
	ErrPastSlot                   = errors.New("slot has already started")
	ErrClientConflict             = errors.New("client already has a booking at this time")
	ErrBookingNotFound            = errors.New("booking not found")
	ErrNotCancellable             = errors.New("booking is not scheduled")
	ErrForbidden                  = errors.New("actor is not allowed to perform this operation")
	ErrCancellationWindowViolated = errors.New("cancellation requires at least 24 hours notice")
	ErrStoreConflict              = errors.New("concurrent update on slot")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidDuration, "invalid_duration"},
	{ErrInvalidRange, "invalid_range"},
	{ErrInvalidOutcome, "invalid_outcome"},
	{ErrInvalidStatus, "invalid_status"},
	{ErrInvalidProvider, "invalid_provider"},
	{ErrProviderNotFound, "provider_not_found"},
	{ErrSlotNotFound, "slot_not_found"},
	{ErrSlotUnavailable, "slot_unavailable"},
	{ErrSlotOccupied, "slot_occupied"},
	{ErrPastSlot, "past_slot"},
	{ErrClientConflict, "client_conflict"},
	{ErrBookingNotFound, "booking_not_found"},
	{ErrNotCancellable, "not_cancellable"},
	{ErrForbidden, "forbidden"},
	{ErrCancellationWindowViolated, "cancellation_window_violated"},
	{ErrStoreConflict, "store_conflict"},
}

// ErrorKind returns a stable label for err, "ok" for nil and "internal" for
// anything that is not one of the package sentinels.
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
