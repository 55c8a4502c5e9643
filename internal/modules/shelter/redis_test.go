package shelter

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refuge/internal/types"
)

func newRedisDirectory(t *testing.T) *RedisDirectory {
	t.Helper()
	addr := os.Getenv("REFUGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REFUGE_TEST_REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := fmt.Sprintf("refuge_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
	return NewRedisDirectory(rdb, prefix)
}

func TestRedisDirectory_ReserveRelease(t *testing.T) {
	d := newRedisDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Upsert(ctx, Shelter{ID: "a", Name: "Alpha", Location: center, Capacity: 1, Active: true}))

	ok, err := d.Reserve(ctx, "u1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Reserve(ctx, "u2", "a")
	require.NoError(t, err)
	assert.False(t, ok, "shelter is full")

	occ, found, err := d.CurrentOccupancy(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, occ)

	sid, held, err := d.ReservationOf(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, types.ID("a"), sid)

	released, err := d.Release(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, released)

	_, held, err = d.ReservationOf(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, held)

	released, err = d.Release(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, released)

	ok, err = d.Reserve(ctx, "u2", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDirectory_ListAndNearby(t *testing.T) {
	d := newRedisDirectory(t)
	ctx := context.Background()

	near := types.Point{Lat: center.Lat + 0.001, Lng: center.Lng}
	far := types.Point{Lat: center.Lat + 0.05, Lng: center.Lng}
	require.NoError(t, d.Upsert(ctx, Shelter{ID: "near", Location: near, Capacity: 3, Active: true}))
	require.NoError(t, d.Upsert(ctx, Shelter{ID: "far", Location: far, Capacity: 3, Active: true}))
	require.NoError(t, d.Upsert(ctx, Shelter{ID: "off", Location: near, Capacity: 3, Active: false}))

	all, err := d.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.ID("far"), all[0].ID)

	nearby, err := d.NearbyActive(ctx, center, 0.6)
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, types.ID("near"), nearby[0].ID)

	_, found, err := d.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
