package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTableRecord(id string) *model.TableStateRecord {
	return &model.TableStateRecord{
		TableID: id,
		Config: model.TableConfig{
			MaxSeats:       6,
			SmallBlind:     25,
			BigBlind:       50,
			MinBuyIn:       1000,
			MaxBuyIn:       10000,
			TurnTimeoutSec: 15,
		},
		Seats: []model.SeatState{
			{Pos: 0, UserID: "u1", Stack: 5000, Status: model.SeatSitting},
			{Pos: 2, UserID: "u2", Stack: 3000, Status: model.SeatSitting},
		},
		DealerPos: 0,
		Version:   1,
		UpdatedAt: time.Now(),
	}
}

func TestTableStoreSetGet(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)
	ctx := context.Background()

	rec := newTableRecord("t1")
	require.NoError(t, store.Set(ctx, rec, true))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TableID)
	assert.Equal(t, rec.Config, got.Config)
	assert.Equal(t, rec.Seats, got.Seats)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Dirty)

	t.Run("dirty membership written with the record", func(t *testing.T) {
		ids, err := store.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, ids)
	})

	t.Run("clean set skips the dirty set", func(t *testing.T) {
		clean := newTableRecord("t2")
		require.NoError(t, store.Set(ctx, clean, false))
		got, err := store.Get(ctx, "t2")
		require.NoError(t, err)
		assert.False(t, got.Dirty)
		member, err := rdb.SIsMember(ctx, xredis.DirtyTablesKey, "t2").Result()
		require.NoError(t, err)
		assert.False(t, member)
	})

	t.Run("clean set drops stale dirty membership", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, newTableRecord("t1"), false))
		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, got.Dirty)
		member, err := rdb.SIsMember(ctx, xredis.DirtyTablesKey, "t1").Result()
		require.NoError(t, err)
		assert.False(t, member, "set membership and flag must agree after a clean write")
	})

	t.Run("ttl applied", func(t *testing.T) {
		assert.Greater(t, mr.TTL(xredis.TableStateKey("t1")), time.Duration(0))
	})
}

func TestTableStoreGetMiss(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestTableStoreGetRejectsBadSchema(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)

	mr.HSet(xredis.TableStateKey("tx"), fieldSchema, "999", fieldTableID, "tx")
	_, err := store.Get(context.Background(), "tx")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestTableStoreUpdateBumpsVersion(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)
	ctx := context.Background()

	rec := newTableRecord("t1")
	require.NoError(t, store.Set(ctx, rec, false))

	v, err := store.UpdateSeat(ctx, "t1", model.SeatState{Pos: 4, UserID: "u3", Stack: 2000, Status: model.SeatSitting})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = store.UpdateDealer(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = store.UpdateHand(ctx, "t1", "h9")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, 2, got.DealerPos)
	assert.Equal(t, "h9", got.HandID)
	require.NotNil(t, got.Seat(4))
	assert.Equal(t, "u3", got.Seat(4).UserID)

	t.Run("every update marks dirty", func(t *testing.T) {
		assert.True(t, got.Dirty)
		ids, err := store.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "t1")
	})

	t.Run("update on an uncached table is a miss", func(t *testing.T) {
		_, err := store.UpdateDealer(ctx, "ghost", 1)
		assert.ErrorIs(t, err, ErrCacheMiss)
	})
}

func TestTableStoreMarkClean(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)
	ctx := context.Background()

	rec := newTableRecord("t1")
	require.NoError(t, store.Set(ctx, rec, true))
	v, err := store.UpdateDealer(ctx, "t1", 3)
	require.NoError(t, err)

	t.Run("stale version leaves the record dirty", func(t *testing.T) {
		ok, err := store.MarkClean(ctx, "t1", v-1)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, got.Dirty)
	})

	t.Run("matching version cleans flag and set", func(t *testing.T) {
		ok, err := store.MarkClean(ctx, "t1", v)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, got.Dirty)
		ids, err := store.DirtyTables(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, "t1")
	})

	t.Run("mutation after clean re-dirties", func(t *testing.T) {
		_, err := store.UpdateDealer(ctx, "t1", 0)
		require.NoError(t, err)
		ids, err := store.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "t1")
	})

	t.Run("vanished record still leaves the set", func(t *testing.T) {
		require.NoError(t, rdb.Del(ctx, xredis.TableStateKey("t1")).Err())
		ok, err := store.MarkClean(ctx, "t1", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		ids, err := store.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestTableStoreGetMany(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, newTableRecord("a"), false))
	require.NoError(t, store.Set(ctx, newTableRecord("c"), false))

	got, err := store.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TableID)
	assert.Equal(t, "c", got[1].TableID)

	got, err = store.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTableStoreInvalidate(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTableStore(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, newTableRecord("t1"), true))
	require.NoError(t, store.Invalidate(ctx, "t1"))

	_, err := store.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	ids, err := store.DirtyTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
