package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yola1107/holdem-live/internal/cache"
	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/library/work"
)

// fakeRepo records every write and can be told to fail.
type fakeRepo struct {
	mu       sync.Mutex
	upserts  []*model.TableStateRecord
	hands    []*model.HandStateRecord
	actions  [][]model.ActionRecord
	winners  [][]model.Winner
	credits  map[string]int64
	failNext bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{credits: make(map[string]int64)}
}

func (r *fakeRepo) fail() error {
	if r.failNext {
		r.failNext = false
		return errors.New("db down")
	}
	return nil
}

func (r *fakeRepo) UpsertTableState(_ context.Context, rec *model.TableStateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.upserts = append(r.upserts, rec)
	return nil
}

func (r *fakeRepo) InsertHandHistory(_ context.Context, rec *model.HandStateRecord,
	actions []model.ActionRecord, winners []model.Winner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.hands = append(r.hands, rec)
	r.actions = append(r.actions, actions)
	r.winners = append(r.winners, winners)
	return nil
}

func (r *fakeRepo) CreditBalance(_ context.Context, userID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.credits[userID] += amount
	return nil
}

func (r *fakeRepo) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

type fixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	tables *cache.TableStore
	hands  *cache.HandStore
	repo   *fakeRepo
	sync   *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	timer := work.NewWheelScheduler(nil)
	t.Cleanup(timer.Stop)

	f := &fixture{
		mr:     mr,
		rdb:    rdb,
		tables: cache.NewTableStore(rdb, time.Minute),
		hands:  cache.NewHandStore(rdb, time.Hour),
		repo:   newFakeRepo(),
	}
	f.sync = New(f.tables, f.hands, f.repo, rdb, timer, 50*time.Millisecond, 16)
	return f
}

func (f *fixture) seedTable(t *testing.T, id string) *model.TableStateRecord {
	t.Helper()
	rec := &model.TableStateRecord{
		TableID:   id,
		Config:    model.TableConfig{MaxSeats: 6, SmallBlind: 25, BigBlind: 50},
		Seats:     []model.SeatState{{Pos: 0, UserID: "u1", Stack: 5000, Status: model.SeatSitting}},
		Version:   1,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, f.tables.Set(context.Background(), rec, true))
	return rec
}

func TestFlushPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTable(t, "t1")
	f.seedTable(t, "t2")

	flushed := f.sync.flushPass(ctx, 0)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, 2, f.repo.upsertCount())

	t.Run("flushed tables are clean", func(t *testing.T) {
		ids, err := f.tables.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
		rec, err := f.tables.Get(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, rec.Dirty)
	})

	t.Run("second pass has nothing to do", func(t *testing.T) {
		assert.Equal(t, 0, f.sync.flushPass(ctx, 0))
		assert.Equal(t, 2, f.repo.upsertCount())
	})
}

func TestFlushPassBatchLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		f.seedTable(t, id)
	}

	assert.Equal(t, 2, f.sync.flushPass(ctx, 2))
	ids, err := f.tables.DirtyTables(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestFlushPassVanishedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// dirty membership without a record, as if the record expired
	require.NoError(t, f.rdb.SAdd(ctx, "table:dirty", "gone").Err())

	assert.Equal(t, 0, f.sync.flushPass(ctx, 0))
	assert.Equal(t, 0, f.repo.upsertCount())
	ids, err := f.tables.DirtyTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int64(0), f.sync.Failures())

	t.Run("already-clean record is dropped, not counted", func(t *testing.T) {
		rec := f.seedTable(t, "t1")
		ok, err := f.tables.MarkClean(ctx, "t1", rec.Version)
		require.NoError(t, err)
		require.True(t, ok)
		// stale membership, as if a clean record was re-listed
		require.NoError(t, f.rdb.SAdd(ctx, "table:dirty", "t1").Err())

		assert.Equal(t, 0, f.sync.flushPass(ctx, 0))
		assert.Equal(t, 0, f.repo.upsertCount())
		ids, err := f.tables.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestFlushPassDatabaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTable(t, "t1")
	f.repo.failNext = true

	assert.Equal(t, 0, f.sync.flushPass(ctx, 0))
	assert.Equal(t, int64(1), f.sync.Failures())

	t.Run("record stays dirty for the next pass", func(t *testing.T) {
		ids, err := f.tables.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, ids)
	})

	t.Run("next pass retries and succeeds", func(t *testing.T) {
		assert.Equal(t, 1, f.sync.flushPass(ctx, 0))
		assert.Equal(t, 1, f.repo.upsertCount())
	})
}

func TestSyncOnHandComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTable(t, "t1")

	hand := &model.HandStateRecord{
		HandID:  "h1",
		TableID: "t1",
		SeqNo:   3,
		Phase:   model.PhaseShowdown,
		Pot:     150,
		Seats: map[int]*model.HandSeatState{
			0: {Status: model.SeatPlaying, TotalBet: 75},
			2: {Status: model.SeatFolded, TotalBet: 75},
		},
		StartedAt: time.Now(),
	}
	require.NoError(t, f.hands.Create(ctx, hand))
	for _, a := range []model.ActionRecord{
		{Pos: 0, UserID: "u1", Action: "bet", Amount: 75},
		{Pos: 2, UserID: "u2", Action: "call", Amount: 75},
		{Pos: 2, UserID: "u2", Action: "fold"},
	} {
		_, err := f.hands.AppendAction(ctx, "h1", a)
		require.NoError(t, err)
	}
	winners := []model.Winner{{Pos: 0, UserID: "u1", Amount: 150}}

	require.NoError(t, f.sync.SyncOnHandComplete(ctx, "h1", "t1", winners))

	t.Run("hand row persisted with ordered events", func(t *testing.T) {
		require.Len(t, f.repo.hands, 1)
		assert.Equal(t, int64(150), f.repo.hands[0].Pot)
		require.Len(t, f.repo.actions[0], 3)
		assert.Equal(t, "bet", f.repo.actions[0][0].Action)
		assert.Equal(t, "fold", f.repo.actions[0][2].Action)
		assert.Equal(t, winners, f.repo.winners[0])
	})

	t.Run("parent table flushed in the same call", func(t *testing.T) {
		assert.Equal(t, 1, f.repo.upsertCount())
		ids, err := f.tables.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("duplicate completion is rejected", func(t *testing.T) {
		err := f.sync.SyncOnHandComplete(ctx, "h1", "t1", winners)
		assert.ErrorIs(t, err, cache.ErrHandNotFound)
		assert.Len(t, f.repo.hands, 1)
	})
}

func TestSyncOnHandCompleteRestoresOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTable(t, "t1")

	hand := &model.HandStateRecord{
		HandID:    "h1",
		TableID:   "t1",
		Phase:     model.PhaseShowdown,
		Pot:       100,
		Seats:     map[int]*model.HandSeatState{0: {Status: model.SeatPlaying}},
		StartedAt: time.Now(),
	}
	require.NoError(t, f.hands.Create(ctx, hand))
	_, err := f.hands.AppendAction(ctx, "h1", model.ActionRecord{Pos: 0, UserID: "u1", Action: "check"})
	require.NoError(t, err)

	f.repo.failNext = true
	err = f.sync.SyncOnHandComplete(ctx, "h1", "t1", nil)
	require.Error(t, err)

	t.Run("hand restored so the caller can retry", func(t *testing.T) {
		got, err := f.hands.Get(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.Pot)
	})

	t.Run("retry persists the restored hand", func(t *testing.T) {
		require.NoError(t, f.sync.SyncOnHandComplete(ctx, "h1", "t1", nil))
		require.Len(t, f.repo.hands, 1)
		require.Len(t, f.repo.actions[0], 1)
		assert.Equal(t, "check", f.repo.actions[0][0].Action)
	})
}

func TestSyncPlayerBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sync.SyncPlayerBalance(ctx, "u1", "t1", 4200))
	assert.Equal(t, int64(4200), f.repo.credits["u1"])

	t.Run("duplicate credit is suppressed", func(t *testing.T) {
		require.NoError(t, f.sync.SyncPlayerBalance(ctx, "u1", "t1", 4200))
		assert.Equal(t, int64(4200), f.repo.credits["u1"])
	})

	t.Run("different table credits separately", func(t *testing.T) {
		require.NoError(t, f.sync.SyncPlayerBalance(ctx, "u1", "t9", 100))
		assert.Equal(t, int64(4300), f.repo.credits["u1"])
	})

	t.Run("db failure releases the guard for a retry", func(t *testing.T) {
		f.repo.failNext = true
		require.Error(t, f.sync.SyncPlayerBalance(ctx, "u2", "t1", 500))
		assert.Zero(t, f.repo.credits["u2"])

		require.NoError(t, f.sync.SyncPlayerBalance(ctx, "u2", "t1", 500))
		assert.Equal(t, int64(500), f.repo.credits["u2"])
	})
}

func TestStartStopDrains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sync.Start())
	assert.Equal(t, Running, f.sync.State())
	assert.Error(t, f.sync.Start()) // double start

	f.seedTable(t, "t1")
	f.sync.Stop(ctx)
	assert.Equal(t, Stopped, f.sync.State())

	t.Run("final pass flushed pending writes", func(t *testing.T) {
		ids, err := f.tables.DirtyTables(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.GreaterOrEqual(t, f.repo.upsertCount(), 1)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		f.sync.Stop(ctx)
		assert.Equal(t, Stopped, f.sync.State())
	})
}
