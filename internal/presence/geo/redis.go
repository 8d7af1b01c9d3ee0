package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/riderpresence/internal/presence/domain"
)

// RedisIndex keeps the last known position of each rider in a Redis GEO set.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed geo index.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = "rider:locs"
	}
	return &RedisIndex{client: client, key: key}
}

// Upsert records the rider's position, replacing any previous one.
func (r *RedisIndex) Upsert(ctx context.Context, riderID string, point domain.GeoPoint) error {
	if r == nil || r.client == nil {
		return errors.New("redis geo index not configured")
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: riderID, Longitude: point.Lng, Latitude: point.Lat}).Err(); err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove drops a rider from the index.
func (r *RedisIndex) Remove(ctx context.Context, riderID string) error {
	if r == nil || r.client == nil {
		return errors.New("redis geo index not configured")
	}
	if err := r.client.ZRem(ctx, r.key, riderID).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns up to limit riders within radiusKM sorted by distance.
func (r *RedisIndex) Nearby(ctx context.Context, center domain.GeoPoint, radiusKM float64, limit int) ([]domain.GeoHit, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis geo index not configured")
	}
	if limit < 0 {
		limit = 0
	}
	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	results, err := r.client.GeoSearchLocation(ctx, r.key, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	hits := make([]domain.GeoHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, domain.GeoHit{
			RiderID:   res.Name,
			Point:     domain.GeoPoint{Lat: res.Latitude, Lng: res.Longitude},
			DistanceM: res.Dist * 1000,
		})
	}
	return hits, nil
}
