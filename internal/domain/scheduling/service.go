package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts bounds how often an operation re-runs after losing a
// compare-and-swap race.
const DefaultMaxAttempts = 3

// insertBatchSize caps how many generated slots go to the store per call.
const insertBatchSize = 500

// Engine runs the slot and booking state machine on top of a Store.
type Engine struct {
	store       Store
	clock       Clock
	logger      zerolog.Logger
	recorder    Recorder
	publisher   Publisher
	maxAttempts int
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		clock:       SystemClock{},
		logger:      zerolog.Nop(),
		recorder:    nopRecorder{},
		publisher:   nopPublisher{},
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "booking-engine").Logger()
	return e
}

// -- Providers --

func (e *Engine) SaveProvider(ctx context.Context, actor Actor, p *Provider) error {
	if err := Authorize(OpSaveProvider, actor, Ownership{}); err != nil {
		return err
	}
	if p.VisitMinutes <= 0 {
		return ErrInvalidDuration
	}
	if p.Name == "" {
		return ErrInvalidProvider
	}
	if err := e.store.SaveProvider(ctx, p); err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

func (e *Engine) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return e.store.GetProvider(ctx, id)
}

// -- Slot grid --

type GenerateRequest struct {
	ProviderID uuid.UUID
	Dates      DateRange
	Window     DailyWindow
}

type GenerateResult struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Candidates int       `json:"candidates"`
	Created    int       `json:"created"`
}

// GenerateSlots lays the provider's grid over the requested days and stores
// the slots that do not exist yet. Running it twice creates nothing new.
func (e *Engine) GenerateSlots(ctx context.Context, actor Actor, req GenerateRequest) (res *GenerateResult, err error) {
	defer e.observe(OpGenerateSlots, time.Now(), &err)

	if err := Authorize(OpGenerateSlots, actor, Ownership{}); err != nil {
		return nil, err
	}
	provider, err := e.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	grid, err := NewGrid(GridSpec{
		ProviderID:      provider.ID,
		DurationMinutes: provider.VisitMinutes,
		Dates:           req.Dates,
		Window:          req.Window,
	})
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	res = &GenerateResult{ProviderID: provider.ID}
	batch := make([]*Slot, 0, insertBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.store.InsertSlots(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert slots: %w", err)
		}
		res.Created += n
		batch = batch[:0]
		return nil
	}
	for c := range grid.All() {
		res.Candidates++
		batch = append(batch, &Slot{
			ID:         uuid.New(),
			ProviderID: c.ProviderID,
			Start:      c.Start,
			End:        c.End,
			Status:     SlotFree,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if len(batch) == insertBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	e.recorder.ObserveSlotsGenerated(res.Created, res.Candidates)
	e.logger.Info().
		Str("provider_id", provider.ID.String()).
		Int("candidates", res.Candidates).
		Int("created", res.Created).
		Msg("slots generated")
	e.publish(ctx, Event{
		Type:         EventSlotsGenerated,
		OccurredAt:   now,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		ProviderID:   provider.ID,
		SlotsCreated: res.Created,
	})
	return res, nil
}

func (e *Engine) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return e.store.GetSlot(ctx, id)
}

func (e *Engine) FindSlot(ctx context.Context, providerID uuid.UUID, start time.Time) (*Slot, error) {
	return e.store.GetSlotByStart(ctx, providerID, start.UTC())
}

func (e *Engine) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	return e.store.ListSlots(ctx, f, limit, offset)
}

// -- Booking state machine --

// Reserve books a free future slot for clientID.
func (e *Engine) Reserve(ctx context.Context, actor Actor, slotID, clientID uuid.UUID) (booking *Booking, err error) {
	defer e.observe(OpReserve, time.Now(), &err)

	if err := Authorize(OpReserve, actor, Ownership{ClientID: clientID}); err != nil {
		return nil, err
	}
	err = e.withRetry(ctx, OpReserve, func() error {
		slot, err := e.store.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if !slot.Start.After(now) {
			return ErrPastSlot
		}
		if slot.Status != SlotFree {
			return ErrSlotUnavailable
		}
		clash, err := e.store.HasScheduledBooking(ctx, clientID, slot.Start)
		if err != nil {
			return fmt.Errorf("check client bookings: %w", err)
		}
		if clash {
			return ErrClientConflict
		}

		b := &Booking{
			ID:         uuid.New(),
			SlotID:     slot.ID,
			ClientID:   clientID,
			ProviderID: slot.ProviderID,
			SlotStart:  slot.Start,
			SlotEnd:    slot.End,
			Status:     BookingScheduled,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.store.Commit(ctx, Transition{
			SlotID:      slot.ID,
			FromStatus:  SlotFree,
			FromVersion: slot.Version,
			ToStatus:    SlotHeld,
			At:          now,
			NewBooking:  b,
		}); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("booking_id", booking.ID.String()).
		Str("slot_id", booking.SlotID.String()).
		Str("client_id", booking.ClientID.String()).
		Str("actor_id", actor.ID.String()).
		Msg("slot reserved")
	e.publish(ctx, bookingEvent(EventBookingReserved, actor, booking, booking.CreatedAt))
	return booking, nil
}

// Cancel releases a scheduled booking on behalf of its client or an
// administrator. Clients must give MinCancellationNotice.
func (e *Engine) Cancel(ctx context.Context, actor Actor, bookingID uuid.UUID) (booking *Booking, err error) {
	defer e.observe(OpCancel, time.Now(), &err)

	err = e.withRetry(ctx, OpCancel, func() error {
		b, err := e.store.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != BookingScheduled {
			return ErrNotCancellable
		}
		if err := Authorize(OpCancel, actor, Ownership{ProviderID: b.ProviderID, ClientID: b.ClientID}); err != nil {
			return err
		}
		now := e.clock.Now()
		if !Admit(now, b.SlotStart, actor.Role) {
			return ErrCancellationWindowViolated
		}
		reason := CancelClientRequest
		if actor.IsAdministrator() {
			reason = CancelAdministrator
		}
		booking, err = e.release(ctx, actor, b, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("booking_id", booking.ID.String()).
		Str("slot_id", booking.SlotID.String()).
		Str("actor_id", actor.ID.String()).
		Str("role", string(actor.Role)).
		Msg("booking cancelled")
	e.publish(ctx, bookingEvent(EventBookingCancelled, actor, booking, booking.UpdatedAt))
	return booking, nil
}

// UpdateOutcome closes a scheduled booking as completed or cancelled. It is
// reserved to administrators and the owning provider and ignores the
// cancellation notice period.
func (e *Engine) UpdateOutcome(ctx context.Context, actor Actor, bookingID uuid.UUID, outcome BookingStatus) (booking *Booking, err error) {
	defer e.observe(OpUpdateOutcome, time.Now(), &err)

	if outcome != BookingCompleted && outcome != BookingCancelled {
		return nil, ErrInvalidOutcome
	}
	err = e.withRetry(ctx, OpUpdateOutcome, func() error {
		b, err := e.store.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != BookingScheduled {
			return ErrNotCancellable
		}
		if err := Authorize(OpUpdateOutcome, actor, Ownership{ProviderID: b.ProviderID, ClientID: b.ClientID}); err != nil {
			return err
		}
		now := e.clock.Now()
		if outcome == BookingCancelled {
			reason := CancelProviderOverride
			if actor.IsAdministrator() {
				reason = CancelAdminOverride
			}
			booking, err = e.release(ctx, actor, b, reason, now)
			return err
		}

		slot, err := e.heldSlot(ctx, b)
		if err != nil {
			return err
		}
		change := &BookingChange{BookingID: b.ID, From: BookingScheduled, To: BookingCompleted}
		if err := e.store.Commit(ctx, Transition{
			SlotID:      slot.ID,
			FromStatus:  SlotHeld,
			FromVersion: slot.Version,
			ToStatus:    SlotHeld,
			At:          now,
			Booking:     change,
		}); err != nil {
			return err
		}
		change.apply(b, now)
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if booking.Status == BookingCancelled {
		e.logger.Warn().
			Str("booking_id", booking.ID.String()).
			Str("actor_id", actor.ID.String()).
			Str("role", string(actor.Role)).
			Msg("booking cancelled by override")
		e.publish(ctx, bookingEvent(EventBookingCancelled, actor, booking, booking.UpdatedAt))
	} else {
		e.logger.Info().
			Str("booking_id", booking.ID.String()).
			Str("actor_id", actor.ID.String()).
			Msg("booking completed")
		e.publish(ctx, bookingEvent(EventBookingCompleted, actor, booking, booking.UpdatedAt))
	}
	return booking, nil
}

// SetSlotStatus blocks or unblocks a slot. Held slots cannot be toggled.
func (e *Engine) SetSlotStatus(ctx context.Context, actor Actor, slotID uuid.UUID, target SlotStatus) (slot *Slot, err error) {
	defer e.observe(OpSetSlotStatus, time.Now(), &err)

	if target != SlotBlocked && target != SlotFree {
		return nil, ErrInvalidStatus
	}
	changed := false
	err = e.withRetry(ctx, OpSetSlotStatus, func() error {
		s, err := e.store.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if err := Authorize(OpSetSlotStatus, actor, Ownership{ProviderID: s.ProviderID}); err != nil {
			return err
		}
		if s.Status == SlotHeld {
			return ErrSlotOccupied
		}
		if s.Status == target {
			slot = s
			return nil
		}
		t := Transition{
			SlotID:      s.ID,
			FromStatus:  s.Status,
			FromVersion: s.Version,
			ToStatus:    target,
			At:          e.clock.Now(),
		}
		if err := e.store.Commit(ctx, t); err != nil {
			return err
		}
		t.apply(s)
		slot, changed = s, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return slot, nil
	}

	typ := EventSlotUnblocked
	if target == SlotBlocked {
		typ = EventSlotBlocked
	}
	e.logger.Info().
		Str("slot_id", slot.ID.String()).
		Str("status", string(slot.Status)).
		Str("actor_id", actor.ID.String()).
		Msg("slot status changed")
	e.publish(ctx, Event{
		Type:       typ,
		OccurredAt: slot.UpdatedAt,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		ProviderID: slot.ProviderID,
		SlotID:     &slot.ID,
		SlotStart:  &slot.Start,
	})
	return slot, nil
}

func (e *Engine) GetBooking(ctx context.Context, actor Actor, id uuid.UUID) (*Booking, error) {
	b, err := e.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(Relations(actor, Ownership{ProviderID: b.ProviderID, ClientID: b.ClientID})) == 0 {
		return nil, ErrForbidden
	}
	return b, nil
}

// ListBookings narrows f to what the actor may see: providers their own
// calendar, clients their own bookings.
func (e *Engine) ListBookings(ctx context.Context, actor Actor, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	switch actor.Role {
	case RoleAdministrator:
	case RoleProvider:
		id := actor.ID
		f.ProviderID = &id
	case RoleClient:
		id := actor.ID
		f.ClientID = &id
	default:
		return nil, 0, ErrForbidden
	}
	return e.store.ListBookings(ctx, f, limit, offset)
}

// release frees the booking's slot and cancels the booking in one commit.
func (e *Engine) release(ctx context.Context, actor Actor, b *Booking, reason CancelReason, now time.Time) (*Booking, error) {
	slot, err := e.heldSlot(ctx, b)
	if err != nil {
		return nil, err
	}
	actorID, role := actor.ID, actor.Role
	change := &BookingChange{
		BookingID:       b.ID,
		From:            BookingScheduled,
		To:              BookingCancelled,
		CancelledBy:     &actorID,
		CancelledByRole: &role,
		CancelReason:    &reason,
	}
	if err := e.store.Commit(ctx, Transition{
		SlotID:      slot.ID,
		FromStatus:  SlotHeld,
		FromVersion: slot.Version,
		ToStatus:    SlotFree,
		At:          now,
		Booking:     change,
	}); err != nil {
		return nil, err
	}
	change.apply(b, now)
	return b, nil
}

// heldSlot loads the slot of a scheduled booking. A slot that is not held
// means another writer got there first, so the caller should re-read.
func (e *Engine) heldSlot(ctx context.Context, b *Booking) (*Slot, error) {
	slot, err := e.store.GetSlot(ctx, b.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotHeld {
		return nil, fmt.Errorf("%w: slot %s of booking %s is %s", ErrStoreConflict, slot.ID, b.ID, slot.Status)
	}
	return slot, nil
}

// withRetry re-runs fn while it loses compare-and-swap races. Once the
// attempts are used up the caller sees ErrSlotUnavailable.
func (e *Engine) withRetry(ctx context.Context, op Operation, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrStoreConflict) {
			return err
		}
		if attempt >= e.maxAttempts {
			e.logger.Warn().Str("op", string(op)).Int("attempts", attempt).Err(err).Msg("giving up after conflicts")
			return fmt.Errorf("%w: %d conflicting attempts", ErrSlotUnavailable, attempt)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		e.recorder.ObserveRetry(op)
		e.logger.Debug().Str("op", string(op)).Int("attempt", attempt).Err(err).Msg("retrying after conflict")
	}
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("publish event")
	}
}

func (e *Engine) observe(op Operation, started time.Time, err *error) {
	e.recorder.ObserveOperation(op, *err, time.Since(started))
}
