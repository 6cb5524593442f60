// README: Assignment store backed by PostgreSQL; every status change is a compare-and-set.
package assignment

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

const assignmentColumns = `
	id, booking_id, provider_id, status, score, round,
	notified_at, expires_at, responded_at, reason, created_at`

func (s *Store) Create(ctx context.Context, a *Assignment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(a.ID), string(a.BookingID), string(a.ProviderID), string(a.Status), a.Score, a.Round,
		a.NotifiedAt, a.ExpiresAt, a.RespondedAt, a.Reason, a.CreatedAt,
	)
	return infra.StoreError(err)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM booking_assignments WHERE id = $1`, string(id))
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra.StoreError(err)
	}
	return a, nil
}

func (s *Store) ListByBooking(ctx context.Context, bookingID types.ID) ([]*Assignment, error) {
	return s.list(ctx, `
		SELECT `+assignmentColumns+` FROM booking_assignments
		WHERE booking_id = $1 ORDER BY round ASC, score DESC, created_at ASC`,
		string(bookingID),
	)
}

// ListExpired returns notified offers whose deadline is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Assignment, error) {
	return s.list(ctx, `
		SELECT `+assignmentColumns+` FROM booking_assignments
		WHERE status = 'notified' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`,
		now, limit,
	)
}

func (s *Store) ListLiveByProvider(ctx context.Context, providerID types.ID) ([]*Assignment, error) {
	return s.list(ctx, `
		SELECT `+assignmentColumns+` FROM booking_assignments
		WHERE provider_id = $1 AND status IN ('pending', 'notified')
		ORDER BY created_at ASC`,
		string(providerID),
	)
}

// CompareAndSetStatus moves the offer from expected to next only if it is still in
// expected. Accept/decline stamp responded_at. A lost race returns false, nil.
func (s *Store) CompareAndSetStatus(ctx context.Context, id types.ID, expected, next Status, at time.Time, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_assignments
		SET status = $1,
		    responded_at = CASE WHEN $1 IN ('accepted', 'declined') THEN $2 ELSE responded_at END,
		    reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END
		WHERE id = $4 AND status = $5`,
		string(next), at, reason, string(id), string(expected),
	)
	if infra.UniqueViolation(err) {
		// one_accepted_per_booking: a sibling already won.
		return false, nil
	}
	if err != nil {
		return false, infra.StoreError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNotified stamps notified_at/expires_at exactly once.
func (s *Store) MarkNotified(ctx context.Context, id types.ID, notifiedAt, expiresAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_assignments
		SET status = 'notified', notified_at = $1, expires_at = $2
		WHERE id = $3 AND status = 'pending' AND notified_at IS NULL AND expires_at IS NULL`,
		notifiedAt, expiresAt, string(id),
	)
	if err != nil {
		return false, infra.StoreError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// BusyProviders reports which of providerIDs hold a live or accepted offer on another
// open booking whose slot overlaps slot.
func (s *Store) BusyProviders(ctx context.Context, providerIDs []types.ID, bookingID types.ID, slot types.Slot) (map[types.ID]bool, error) {
	busy := make(map[types.ID]bool)
	if len(providerIDs) == 0 {
		return busy, nil
	}
	ids := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		ids[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT a.provider_id
		FROM booking_assignments a
		JOIN bookings b ON b.id = a.booking_id
		WHERE a.provider_id = ANY($1)
		  AND a.booking_id <> $2
		  AND a.status IN ('pending', 'notified', 'accepted')
		  AND b.status IN ('awaiting_provider', 'assigned', 'confirmed')
		  AND b.scheduled_at < $4
		  AND b.scheduled_at + make_interval(mins => b.duration_minutes) > $3`,
		ids, string(bookingID), slot.Start, slot.End,
	)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, infra.StoreError(err)
		}
		busy[types.ID(id)] = true
	}
	return busy, infra.StoreError(rows.Err())
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO assignment_events (
			assignment_id, booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.AssignmentID), string(e.BookingID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, toStringPtr(e.ActorID), e.Reason, e.CreatedAt,
	)
	return infra.StoreError(err)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Assignment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, infra.StoreError(err)
		}
		out = append(out, a)
	}
	return out, infra.StoreError(rows.Err())
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(
		&a.ID, &a.BookingID, &a.ProviderID, &a.Status, &a.Score, &a.Round,
		&a.NotifiedAt, &a.ExpiresAt, &a.RespondedAt, &a.Reason, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
