package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout for the Redis store.
const (
	redisKeyProvider      = "agenda:provider:"       // + provider_id
	redisKeySlot          = "agenda:slot:"           // + slot_id
	redisKeySlotByStart   = "agenda:slot_start:"     // + provider_id:unix_nanos
	redisKeySlotsAll      = "agenda:slots"           // zset by start
	redisKeySlotsProvider = "agenda:slots:provider:" // + provider_id, zset by start
	redisKeyBooking       = "agenda:booking:"        // + booking_id
	redisKeyBookingsAll   = "agenda:bookings"        // zset by created_at
	redisKeyBookingsOwner = "agenda:bookings:owner:" // + client or provider id, zset by created_at
	redisKeyActiveSlot    = "agenda:active:slot:"    // + slot_id -> booking_id
	redisKeyActiveClient  = "agenda:active:client:"  // + client_id:unix_nanos -> booking_id
)

// RedisStore persists records as JSON values and uses WATCH/MULTI for the
// optimistic transitions. A transaction aborted by a concurrent write to a
// watched key surfaces as ErrStoreConflict.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func slotStartKey(providerID uuid.UUID, start time.Time) string {
	return redisKeySlotByStart + providerID.String() + ":" + strconv.FormatInt(start.UnixNano(), 10)
}

func activeClientKey(clientID uuid.UUID, start time.Time) string {
	return redisKeyActiveClient + clientID.String() + ":" + strconv.FormatInt(start.UnixNano(), 10)
}

// redisReader is satisfied by both the client and a WATCH transaction.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func getJSON[T any](ctx context.Context, c redisReader, key string, miss error) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, miss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func (r *RedisStore) SaveProvider(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	existing, err := getJSON[Provider](ctx, r.client, redisKeyProvider+p.ID.String(), ErrProviderNotFound)
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrProviderNotFound):
		p.CreatedAt = now
	default:
		return err
	}
	p.UpdatedAt = now
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyProvider+p.ID.String(), data, 0).Err()
}

func (r *RedisStore) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return getJSON[Provider](ctx, r.client, redisKeyProvider+id.String(), ErrProviderNotFound)
}

// InsertSlots claims each (provider, start) key under WATCH so two
// generators racing on the same grid store every slot once.
func (r *RedisStore) InsertSlots(ctx context.Context, slots []*Slot) (int, error) {
	created := 0
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		startKey := slotStartKey(s.ProviderID, s.Start)
		data, err := json.Marshal(s)
		if err != nil {
			return created, err
		}
		inserted := false
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, startKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			score := float64(s.Start.Unix())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, startKey, s.ID.String(), 0)
				pipe.Set(ctx, redisKeySlot+s.ID.String(), data, 0)
				pipe.ZAdd(ctx, redisKeySlotsAll, redis.Z{Score: score, Member: s.ID.String()})
				pipe.ZAdd(ctx, redisKeySlotsProvider+s.ProviderID.String(), redis.Z{Score: score, Member: s.ID.String()})
				return nil
			})
			if err == nil {
				inserted = true
			}
			return err
		}, startKey)
		if errors.Is(err, redis.TxFailedErr) {
			// someone else stored this start first
			continue
		}
		if err != nil {
			return created, fmt.Errorf("insert slot %s: %w", s.ID, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

func (r *RedisStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return getJSON[Slot](ctx, r.client, redisKeySlot+id.String(), ErrSlotNotFound)
}

func (r *RedisStore) GetSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*Slot, error) {
	id, err := r.client.Get(ctx, slotStartKey(providerID, start)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}
	return getJSON[Slot](ctx, r.client, redisKeySlot+id, ErrSlotNotFound)
}

func (r *RedisStore) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	index := redisKeySlotsAll
	if f.ProviderID != nil {
		index = redisKeySlotsProvider + f.ProviderID.String()
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.From != nil {
		rng.Min = strconv.FormatInt(f.From.Unix(), 10)
	}
	if f.To != nil {
		rng.Max = strconv.FormatInt(f.To.Unix(), 10)
	}
	ids, err := r.client.ZRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("range %s: %w", index, err)
	}
	slots, err := mgetJSON[Slot](ctx, r.client, redisKeySlot, ids)
	if err != nil {
		return nil, 0, err
	}
	var items []*Slot
	for _, s := range slots {
		if f.matches(s) {
			items = append(items, s)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Start.Before(items[j].Start) })
	return page(items, limit, offset), len(items), nil
}

func (r *RedisStore) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return getJSON[Booking](ctx, r.client, redisKeyBooking+id.String(), ErrBookingNotFound)
}

func (r *RedisStore) HasScheduledBooking(ctx context.Context, clientID uuid.UUID, start time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, activeClientKey(clientID, start)).Result()
	return n > 0, err
}

func (r *RedisStore) ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	index := redisKeyBookingsAll
	switch {
	case f.ClientID != nil:
		index = redisKeyBookingsOwner + f.ClientID.String()
	case f.ProviderID != nil:
		index = redisKeyBookingsOwner + f.ProviderID.String()
	}
	ids, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("range %s: %w", index, err)
	}
	bookings, err := mgetJSON[Booking](ctx, r.client, redisKeyBooking, ids)
	if err != nil {
		return nil, 0, err
	}
	var items []*Booking
	for _, b := range bookings {
		if f.matches(b) {
			items = append(items, b)
		}
	}
	bookingOrder(items)
	return page(items, limit, offset), len(items), nil
}

func (r *RedisStore) Commit(ctx context.Context, t Transition) error {
	slotKey := redisKeySlot + t.SlotID.String()
	watched := []string{slotKey, redisKeyActiveSlot + t.SlotID.String()}
	if b := t.NewBooking; b != nil {
		watched = append(watched, activeClientKey(b.ClientID, b.SlotStart))
	}
	if c := t.Booking; c != nil {
		watched = append(watched, redisKeyBooking+c.BookingID.String())
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		slot, err := getJSON[Slot](ctx, tx, slotKey, ErrSlotNotFound)
		if err != nil {
			return err
		}
		if !t.matches(slot) {
			return fmt.Errorf("%w: slot %s is %s@%d", ErrStoreConflict, slot.ID, slot.Status, slot.Version)
		}

		var nb *Booking
		if t.NewBooking != nil {
			nb = t.NewBooking
			n, err := tx.Exists(ctx, activeClientKey(nb.ClientID, nb.SlotStart)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrClientConflict
			}
			n, err = tx.Exists(ctx, redisKeyActiveSlot+t.SlotID.String()).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: slot %s already has a scheduled booking", ErrStoreConflict, t.SlotID)
			}
		}

		var existing *Booking
		if c := t.Booking; c != nil {
			existing, err = getJSON[Booking](ctx, tx, redisKeyBooking+c.BookingID.String(), ErrBookingNotFound)
			if err != nil {
				return err
			}
			if existing.Status != c.From {
				return fmt.Errorf("%w: booking %s is %s", ErrStoreConflict, existing.ID, existing.Status)
			}
			c.apply(existing, t.At)
		}

		t.apply(slot)
		slotData, err := json.Marshal(slot)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, slotKey, slotData, 0)
			if nb != nil {
				data, err := json.Marshal(nb)
				if err != nil {
					return err
				}
				score := float64(nb.CreatedAt.UnixNano())
				member := nb.ID.String()
				pipe.Set(ctx, redisKeyBooking+member, data, 0)
				pipe.Set(ctx, redisKeyActiveSlot+t.SlotID.String(), member, 0)
				pipe.Set(ctx, activeClientKey(nb.ClientID, nb.SlotStart), member, 0)
				pipe.ZAdd(ctx, redisKeyBookingsAll, redis.Z{Score: score, Member: member})
				pipe.ZAdd(ctx, redisKeyBookingsOwner+nb.ClientID.String(), redis.Z{Score: score, Member: member})
				pipe.ZAdd(ctx, redisKeyBookingsOwner+nb.ProviderID.String(), redis.Z{Score: score, Member: member})
			}
			if existing != nil {
				data, err := json.Marshal(existing)
				if err != nil {
					return err
				}
				pipe.Set(ctx, redisKeyBooking+existing.ID.String(), data, 0)
				if existing.Status != BookingScheduled {
					pipe.Del(ctx, redisKeyActiveSlot+existing.SlotID.String(), activeClientKey(existing.ClientID, existing.SlotStart))
				}
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: watched keys changed for slot %s", ErrStoreConflict, t.SlotID)
	}
	return err
}

func mgetJSON[T any](ctx context.Context, c redisReader, prefix string, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]*T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, &item)
	}
	return out, nil
}
