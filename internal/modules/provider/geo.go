// README: Provider GEO index backed by Redis GEO commands; a coarse prefilter for candidate search.
package provider

import (
	"context"

	"github.com/redis/go-redis/v9"

	"bookd/internal/infra"
	"bookd/internal/types"
)

const providerGeoKey = "dispatch:providers:geo"

type GeoIndex struct {
	redis *redis.Client
}

func NewGeoIndex(redis *redis.Client) *GeoIndex {
	return &GeoIndex{redis: redis}
}

func (g *GeoIndex) Update(ctx context.Context, id types.ID, p types.Point) error {
	return infra.StoreError(g.redis.GeoAdd(ctx, providerGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err())
}

func (g *GeoIndex) Remove(ctx context.Context, id types.ID) error {
	return infra.StoreError(g.redis.ZRem(ctx, providerGeoKey, string(id)).Err())
}

// Nearby returns provider ids within radiusKm of p, closest first.
func (g *GeoIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := g.redis.GeoSearch(ctx, providerGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, infra.StoreError(err)
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
