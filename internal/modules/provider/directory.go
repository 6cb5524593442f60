// README: Directory combines the Postgres store with the optional Redis GEO prefilter.
package provider

import (
	"context"

	"bookd/internal/types"
)

type Directory struct {
	store *Store
	geo   *GeoIndex
}

// NewDirectory builds a directory; geo may be nil, in which case every available
// provider for the service is returned and radius filtering is left to the caller.
func NewDirectory(store *Store, geo *GeoIndex) *Directory {
	return &Directory{store: store, geo: geo}
}

func (d *Directory) AvailableNear(ctx context.Context, serviceID types.ID, center types.Point, radiusKm float64) ([]Provider, error) {
	if d.geo == nil {
		return d.store.Available(ctx, serviceID, nil)
	}
	ids, err := d.geo.Nearby(ctx, center, radiusKm)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return d.store.Available(ctx, serviceID, ids)
}

// RebuildIndex loads every available provider into the GEO index.
func (d *Directory) RebuildIndex(ctx context.Context) (int, error) {
	if d.geo == nil {
		return 0, nil
	}
	locs, err := d.store.Locations(ctx)
	if err != nil {
		return 0, err
	}
	for id, p := range locs {
		if err := d.geo.Update(ctx, id, p); err != nil {
			return 0, err
		}
	}
	return len(locs), nil
}

func (d *Directory) DeviceTokens(ctx context.Context, providerID types.ID) ([]string, error) {
	return d.store.DeviceTokens(ctx, providerID)
}

func (d *Directory) RegisterDevice(ctx context.Context, id types.ID, token string) error {
	return d.store.RegisterDevice(ctx, id, token)
}

func (d *Directory) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if err := d.store.UpdateLocation(ctx, id, p); err != nil {
		return err
	}
	if d.geo != nil {
		return d.geo.Update(ctx, id, p)
	}
	return nil
}
