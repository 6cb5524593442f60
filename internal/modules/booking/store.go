// README: Booking store backed by PostgreSQL.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookd/internal/infra"
	"bookd/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const bookingColumns = `
	id, booking_number, customer_id, service_id, scheduled_at, duration_minutes,
	address, latitude, longitude, status, status_version, provider_id,
	estimated_price, currency, created_at, updated_at`

func (s *Store) Create(ctx context.Context, b *Booking) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(b.ID),
		b.Number,
		string(b.CustomerID),
		string(b.ServiceID),
		b.ScheduledAt,
		int(b.Duration/time.Minute),
		b.Address,
		b.Location.Lat, b.Location.Lng,
		string(b.Status),
		b.StatusVersion,
		toStringPtr(b.ProviderID),
		b.EstimatedPrice.Amount,
		b.EstimatedPrice.Currency,
		b.CreatedAt,
		b.UpdatedAt,
	)
	return infra.StoreError(err)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra.StoreError(err)
	}
	return b, nil
}

// UpdateStatus is an optimistic compare-and-set on (status, status_version).
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, providerID *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
		    status_version = status_version + 1,
		    provider_id = COALESCE($2, provider_id),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to),
		toStringPtr(providerID),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, infra.StoreError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_events (
			booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.BookingID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	)
	return infra.StoreError(err)
}

// ListStalled returns bookings waiting for a provider with no pending or notified
// offer, oldest first.
func (s *Store) ListStalled(ctx context.Context, limit int) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'awaiting_provider'
		  AND NOT EXISTS (
			SELECT 1 FROM booking_assignments a
			WHERE a.booking_id = bookings.id AND a.status IN ('pending', 'notified')
		  )
		ORDER BY created_at ASC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, infra.StoreError(err)
		}
		out = append(out, b)
	}
	return out, infra.StoreError(rows.Err())
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var providerID *string
	var durationMin int
	err := row.Scan(
		&b.ID, &b.Number, &b.CustomerID, &b.ServiceID, &b.ScheduledAt, &durationMin,
		&b.Address, &b.Location.Lat, &b.Location.Lng, &b.Status, &b.StatusVersion, &providerID,
		&b.EstimatedPrice.Amount, &b.EstimatedPrice.Currency, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Duration = time.Duration(durationMin) * time.Minute
	if providerID != nil {
		p := types.ID(*providerID)
		b.ProviderID = &p
	}
	return &b, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
