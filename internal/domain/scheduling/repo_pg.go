package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"

	constraintClientStart = "booking_client_start_scheduled_uq"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps providers, slots and bookings in Postgres. Commit runs one
// transaction holding a version-checked UPDATE on the slot row.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

const providerCols = `id, name, visit_minutes, created_at, updated_at`

const slotCols = `id, provider_id, start_time, end_time, status, version, created_at, updated_at`

const bookingCols = `id, slot_id, client_id, provider_id, slot_start, slot_end, status,
	cancelled_by, cancelled_by_role, cancel_reason, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.VisitMinutes, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.ProviderID, &s.Start, &s.End, &s.Status, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.SlotID, &b.ClientID, &b.ProviderID, &b.SlotStart, &b.SlotEnd, &b.Status,
		&b.CancelledBy, &b.CancelledByRole, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

// notFound turns pgx.ErrNoRows into the domain miss error.
func notFound(err, miss error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return miss
	}
	return err
}

func (r *PGStore) SaveProvider(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO provider (id, name, visit_minutes)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			visit_minutes = EXCLUDED.visit_minutes, updated_at = NOW()
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.VisitMinutes).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PGStore) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p, err := scanProvider(r.pool.QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrProviderNotFound)
	}
	return p, nil
}

func (r *PGStore) InsertSlots(ctx context.Context, slots []*Slot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO slot (id, provider_id, start_time, end_time, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
			ON CONFLICT (provider_id, start_time) DO NOTHING`,
			s.ID, s.ProviderID, s.Start, s.End, s.Status, s.CreatedAt)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	created := 0
	for range slots {
		tag, err := br.Exec()
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (r *PGStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrSlotNotFound)
	}
	return s, nil
}

func (r *PGStore) GetSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*Slot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx,
		`SELECT `+slotCols+` FROM slot WHERE provider_id = $1 AND start_time = $2`, providerID, start))
	if err != nil {
		return nil, notFound(err, ErrSlotNotFound)
	}
	return s, nil
}

func (r *PGStore) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND start_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND end_time <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM slot`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + slotCols + ` FROM slot` + where +
		fmt.Sprintf(` ORDER BY start_time ASC, provider_id ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *PGStore) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	return b, nil
}

func (r *PGStore) HasScheduledBooking(ctx context.Context, clientID uuid.UUID, start time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM booking WHERE client_id = $1 AND slot_start = $2 AND status = $3
		)`, clientID, start, BookingScheduled).Scan(&exists)
	return exists, err
}

func (r *PGStore) ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ClientID != nil {
		where += fmt.Sprintf(` AND client_id = $%d`, idx)
		args = append(args, *f.ClientID)
		idx++
	}
	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND slot_start >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND slot_end <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM booking`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + bookingCols + ` FROM booking` + where +
		fmt.Sprintf(` ORDER BY slot_start ASC, id ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *PGStore) Commit(ctx context.Context, t Transition) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return commitTx(ctx, tx, t)
	})
}

func commitTx(ctx context.Context, q queryable, t Transition) error {
	tag, err := q.Exec(ctx, `
		UPDATE slot SET status = $2, version = version + 1, updated_at = $5
		WHERE id = $1 AND status = $3 AND version = $4`,
		t.SlotID, t.ToStatus, t.FromStatus, t.FromVersion, t.At)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: slot %s moved past %s@%d", ErrStoreConflict, t.SlotID, t.FromStatus, t.FromVersion)
	}

	if b := t.NewBooking; b != nil {
		_, err := q.Exec(ctx, `
			INSERT INTO booking (id, slot_id, client_id, provider_id, slot_start, slot_end, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			b.ID, b.SlotID, b.ClientID, b.ProviderID, b.SlotStart, b.SlotEnd, b.Status, b.CreatedAt)
		if err != nil {
			return bookingInsertError(err)
		}
	}

	if c := t.Booking; c != nil {
		tag, err := q.Exec(ctx, `
			UPDATE booking SET status = $2, cancelled_by = $4, cancelled_by_role = $5,
				cancel_reason = $6, updated_at = $7
			WHERE id = $1 AND status = $3`,
			c.BookingID, c.To, c.From, c.CancelledBy, c.CancelledByRole, c.CancelReason, t.At)
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: booking %s is no longer %s", ErrStoreConflict, c.BookingID, c.From)
		}
	}
	return nil
}

func bookingInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == constraintClientStart {
			return ErrClientConflict
		}
		return fmt.Errorf("%w: %s", ErrStoreConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("insert booking: %w", err)
}
