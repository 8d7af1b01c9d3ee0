package geo_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/geo"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

var (
	mgRoad    = domain.GeoPoint{Lat: 12.9756, Lng: 77.6050}
	indiranag = domain.GeoPoint{Lat: 12.9784, Lng: 77.6408}
	mysore    = domain.GeoPoint{Lat: 12.2958, Lng: 76.6394}
)

func TestDistanceMeters(t *testing.T) {
	require.Zero(t, geo.DistanceMeters(mgRoad, mgRoad))
	d := geo.DistanceMeters(mgRoad, indiranag)
	require.InDelta(t, 3890, d, 60)
	require.InDelta(t, geo.DistanceMeters(indiranag, mgRoad), d, 1e-6)
}

func TestRedisIndexUpsertAndRemove(t *testing.T) {
	client := newRedisClient(t)
	idx := geo.NewRedisIndex(client, "riders:geo")
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))
	require.NoError(t, idx.Upsert(ctx, "r1", indiranag))
	require.NoError(t, idx.Upsert(ctx, "r2", mysore))
	require.EqualValues(t, 2, client.ZCard(ctx, "riders:geo").Val())

	pos, err := client.GeoPos(ctx, "riders:geo", "r1").Result()
	require.NoError(t, err)
	require.InDelta(t, indiranag.Lat, pos[0].Latitude, 1e-3)

	require.NoError(t, idx.Remove(ctx, "r2"))
	require.NoError(t, idx.Remove(ctx, "never-indexed"))
	require.EqualValues(t, 1, client.ZCard(ctx, "riders:geo").Val())
}

func TestRedisIndexNearby(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a Redis container")
	}
	ctx := context.Background()
	container, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	idx := geo.NewRedisIndex(client, "")
	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))
	require.NoError(t, idx.Upsert(ctx, "r2", indiranag))
	require.NoError(t, idx.Upsert(ctx, "r3", mysore))

	hits, err := idx.Nearby(ctx, mgRoad, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "r1", hits[0].RiderID)
	require.Equal(t, "r2", hits[1].RiderID)
	require.InDelta(t, 3890, hits[1].DistanceM, 80)
	require.InDelta(t, indiranag.Lat, hits[1].Point.Lat, 1e-3)

	hits, err = idx.Nearby(ctx, mgRoad, 10, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, idx.Upsert(ctx, "r1", mysore))
	require.NoError(t, idx.Remove(ctx, "r2"))
	hits, err = idx.Nearby(ctx, mgRoad, 10, 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMemoryIndexRemove(t *testing.T) {
	idx := geo.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))
	require.NoError(t, idx.Upsert(ctx, "r2", indiranag))

	require.NoError(t, idx.Remove(ctx, "r1"))
	require.NoError(t, idx.Remove(ctx, "r1"))
	hits, err := idx.Nearby(ctx, mgRoad, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "r2", hits[0].RiderID)
}

func TestMemoryIndexSmallRadiusUsesNeighbourCells(t *testing.T) {
	idx := geo.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))
	require.NoError(t, idx.Upsert(ctx, "r2", indiranag))
	require.NoError(t, idx.Upsert(ctx, "r3", mysore))

	hits, err := idx.Nearby(ctx, mgRoad, 4.5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "r1", hits[0].RiderID)
	require.Equal(t, "r2", hits[1].RiderID)

	hits, err = idx.Nearby(ctx, mgRoad, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "r1", hits[0].RiderID)
}

func TestMemoryIndexLargeRadiusScansAll(t *testing.T) {
	idx := geo.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))
	require.NoError(t, idx.Upsert(ctx, "r3", mysore))

	hits, err := idx.Nearby(ctx, mgRoad, 200, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "r3", hits[1].RiderID)
}

func TestMemoryIndexMovesRiderBetweenCells(t *testing.T) {
	idx := geo.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "r1", mysore))
	require.NoError(t, idx.Upsert(ctx, "r1", mgRoad))

	hits, err := idx.Nearby(ctx, mysore, 2, 0)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = idx.Nearby(ctx, mgRoad, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
