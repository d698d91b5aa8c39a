package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	providerID uuid.UUID
	start      int64
}

type clientKey struct {
	clientID uuid.UUID
	start    int64
}

// MemoryStore keeps everything in maps behind one mutex. Commit holds the
// write lock for the whole transition, which makes it trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]*Provider
	slots     map[uuid.UUID]*Slot
	byStart   map[slotKey]uuid.UUID
	bookings  map[uuid.UUID]*Booking
	// scheduled booking per slot and per (client, start)
	activeBySlot   map[uuid.UUID]uuid.UUID
	activeByClient map[clientKey]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:      make(map[uuid.UUID]*Provider),
		slots:          make(map[uuid.UUID]*Slot),
		byStart:        make(map[slotKey]uuid.UUID),
		bookings:       make(map[uuid.UUID]*Booking),
		activeBySlot:   make(map[uuid.UUID]uuid.UUID),
		activeByClient: make(map[clientKey]uuid.UUID),
	}
}

func (m *MemoryStore) SaveProvider(_ context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if existing, ok := m.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) InsertSlots(_ context.Context, slots []*Slot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, s := range slots {
		key := slotKey{providerID: s.ProviderID, start: s.Start.UnixNano()}
		if _, exists := m.byStart[key]; exists {
			continue
		}
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		cp := *s
		m.slots[s.ID] = &cp
		m.byStart[key] = s.ID
		created++
	}
	return created, nil
}

func (m *MemoryStore) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetSlotByStart(_ context.Context, providerID uuid.UUID, start time.Time) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byStart[slotKey{providerID: providerID, start: start.UnixNano()}]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *m.slots[id]
	return &cp, nil
}

func (m *MemoryStore) ListSlots(_ context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	m.mu.RLock()
	var items []*Slot
	for _, s := range m.slots {
		if f.matches(s) {
			cp := *s
			items = append(items, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Start.Equal(items[j].Start) {
			return items[i].ProviderID.String() < items[j].ProviderID.String()
		}
		return items[i].Start.Before(items[j].Start)
	})
	return page(items, limit, offset), len(items), nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) HasScheduledBooking(_ context.Context, clientID uuid.UUID, start time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.activeByClient[clientKey{clientID: clientID, start: start.UnixNano()}]
	return ok, nil
}

func (m *MemoryStore) ListBookings(_ context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	m.mu.RLock()
	var items []*Booking
	for _, b := range m.bookings {
		if f.matches(b) {
			cp := *b
			items = append(items, &cp)
		}
	}
	m.mu.RUnlock()

	bookingOrder(items)
	return page(items, limit, offset), len(items), nil
}

func (m *MemoryStore) Commit(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[t.SlotID]
	if !ok {
		return ErrSlotNotFound
	}
	if !t.matches(slot) {
		return fmt.Errorf("%w: slot %s is %s@%d", ErrStoreConflict, slot.ID, slot.Status, slot.Version)
	}

	var (
		nb *Booking
		ck clientKey
	)
	if t.NewBooking != nil {
		nb = t.NewBooking
		ck = clientKey{clientID: nb.ClientID, start: nb.SlotStart.UnixNano()}
		if _, taken := m.activeByClient[ck]; taken {
			return ErrClientConflict
		}
		if _, taken := m.activeBySlot[t.SlotID]; taken {
			return fmt.Errorf("%w: slot %s already has a scheduled booking", ErrStoreConflict, t.SlotID)
		}
	}
	var existing *Booking
	if t.Booking != nil {
		existing, ok = m.bookings[t.Booking.BookingID]
		if !ok {
			return ErrBookingNotFound
		}
		if existing.Status != t.Booking.From {
			return fmt.Errorf("%w: booking %s is %s", ErrStoreConflict, existing.ID, existing.Status)
		}
	}

	// every check passed; nothing below can fail
	t.apply(slot)
	if nb != nil {
		cp := *nb
		m.bookings[nb.ID] = &cp
		m.activeBySlot[t.SlotID] = nb.ID
		m.activeByClient[ck] = nb.ID
	}
	if existing != nil {
		t.Booking.apply(existing, t.At)
		if existing.Status != BookingScheduled {
			delete(m.activeBySlot, existing.SlotID)
			delete(m.activeByClient, clientKey{clientID: existing.ClientID, start: existing.SlotStart.UnixNano()})
		}
	}
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return items[offset:end]
}
