// README: Provider store backed by PostgreSQL (availability, services, device tokens, current load).
package provider

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookd/internal/infra"
	"bookd/internal/types"
)

var ErrNotFound = errors.New("provider not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Available returns available providers serving serviceID. When ids is non-nil the
// result is restricted to those providers (GEO prefilter).
func (s *Store) Available(ctx context.Context, serviceID types.ID, ids []types.ID) ([]Provider, error) {
	var filter []string
	if ids != nil {
		filter = make([]string, len(ids))
		for i, id := range ids {
			filter[i] = string(id)
		}
	}
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.business_name, p.latitude, p.longitude, p.rating,
		       p.experience_years, p.service_radius_km, p.is_available, p.created_at,
		       ARRAY(SELECT ps2.service_id FROM provider_services ps2 WHERE ps2.provider_id = p.id),
		       (SELECT COUNT(*) FROM bookings b
		         WHERE b.provider_id = p.id AND b.status IN ('assigned', 'confirmed'))
		FROM providers p
		JOIN provider_services ps ON ps.provider_id = p.id
		WHERE p.is_available = TRUE
		  AND ps.service_id = $1
		  AND ($2::text[] IS NULL OR p.id = ANY($2))
		ORDER BY p.created_at ASC`,
		string(serviceID), filter,
	)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		var services []string
		var load int64
		if err := rows.Scan(
			&p.ID, &p.BusinessName, &p.Location.Lat, &p.Location.Lng, &p.Rating,
			&p.ExperienceYears, &p.ServiceRadiusKm, &p.Available, &p.RegisteredAt,
			&services, &load,
		); err != nil {
			return nil, infra.StoreError(err)
		}
		p.ServiceIDs = make([]types.ID, len(services))
		for i, sid := range services {
			p.ServiceIDs[i] = types.ID(sid)
		}
		p.ActiveBookings = int(load)
		out = append(out, p)
	}
	return out, infra.StoreError(rows.Err())
}

// DeviceTokens returns the FCM tokens registered for the provider's devices.
func (s *Store) DeviceTokens(ctx context.Context, providerID types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT fcm_token FROM provider_devices WHERE provider_id = $1 ORDER BY created_at DESC`,
		string(providerID),
	)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, infra.StoreError(err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, infra.StoreError(rows.Err())
}

// Locations returns the position of every available provider.
func (s *Store) Locations(ctx context.Context) (map[types.ID]types.Point, error) {
	rows, err := s.db.Query(ctx, `SELECT id, latitude, longitude FROM providers WHERE is_available = TRUE`)
	if err != nil {
		return nil, infra.StoreError(err)
	}
	defer rows.Close()

	out := make(map[types.ID]types.Point)
	for rows.Next() {
		var id string
		var p types.Point
		if err := rows.Scan(&id, &p.Lat, &p.Lng); err != nil {
			return nil, infra.StoreError(err)
		}
		out[types.ID(id)] = p
	}
	return out, infra.StoreError(rows.Err())
}

func (s *Store) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE providers SET latitude = $1, longitude = $2, updated_at = NOW() WHERE id = $3`,
		p.Lat, p.Lng, string(id),
	)
	if err != nil {
		return infra.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterDevice stores an FCM token for the provider; re-registering refreshes it
// so the newest device is tried first.
func (s *Store) RegisterDevice(ctx context.Context, id types.ID, token string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO provider_devices (provider_id, fcm_token)
		SELECT id, $2 FROM providers WHERE id = $1
		ON CONFLICT (provider_id, fcm_token) DO UPDATE SET created_at = NOW()`,
		string(id), token,
	)
	if err != nil {
		return infra.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Provider, error) {
	var p Provider
	err := s.db.QueryRow(ctx, `
		SELECT id, business_name, latitude, longitude, rating, experience_years,
		       service_radius_km, is_available, created_at
		FROM providers WHERE id = $1`, string(id),
	).Scan(&p.ID, &p.BusinessName, &p.Location.Lat, &p.Location.Lng, &p.Rating,
		&p.ExperienceYears, &p.ServiceRadiusKm, &p.Available, &p.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra.StoreError(err)
	}
	return &p, nil
}
