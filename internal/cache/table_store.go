package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

// TableStore is the cache-aside store for live table state.
//
// Reads degrade backend errors to a miss; writes propagate them, because a
// silently dropped state mutation is unacceptable for money-adjacent state.
type TableStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTableStore(rdb *redis.Client, ttl time.Duration) *TableStore {
	return &TableStore{rdb: rdb, ttl: ttl}
}

// Get returns the cached record or ErrCacheMiss. A miss never means the
// table does not exist; callers fall back to the database.
func (s *TableStore) Get(ctx context.Context, tableID string) (*model.TableStateRecord, error) {
	m, err := s.rdb.HGetAll(ctx, xredis.TableStateKey(tableID)).Result()
	if err != nil {
		xlog.Warnf("table cache read degraded to miss. table=%s err=%v", tableID, err)
		return nil, ErrCacheMiss
	}
	rec, err := tableFromMap(m)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			xlog.Errorf("table cache record rejected. table=%s err=%v", tableID, err)
		}
		return nil, ErrCacheMiss
	}
	return rec, nil
}

// GetMany fetches several records in a single round trip. Missing or
// malformed entries are skipped; the result preserves the input order.
func (s *TableStore) GetMany(ctx context.Context, tableIDs []string) ([]*model.TableStateRecord, error) {
	if len(tableIDs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(tableIDs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range tableIDs {
			cmds[i] = pipe.HGetAll(ctx, xredis.TableStateKey(id))
		}
		return nil
	})
	if err != nil {
		xlog.Warnf("table cache batch read degraded to empty. n=%d err=%v", len(tableIDs), err)
		return nil, nil
	}
	out := make([]*model.TableStateRecord, 0, len(tableIDs))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			continue
		}
		rec, err := tableFromMap(m)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				xlog.Errorf("table cache record rejected. table=%s err=%v", tableIDs[i], err)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Set replaces the full record and refreshes its TTL. With markDirty the
// dirty flag and the dirty-set membership are written in the same atomic
// pipeline, so a stored write is always also observed as dirty.
func (s *TableStore) Set(ctx context.Context, rec *model.TableStateRecord, markDirty bool) error {
	key := xredis.TableStateKey(rec.TableID)
	fields, err := tableToMap(rec, markDirty)
	if err != nil {
		return fmt.Errorf("encode table %s: %w", rec.TableID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key) // drop stale seat fields from a previous layout
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, s.ttl)
		if markDirty {
			pipe.SAdd(ctx, xredis.DirtyTablesKey, rec.TableID)
		} else {
			// a clean write must also drop any stale dirty membership, so the
			// set never disagrees with the flag
			pipe.SRem(ctx, xredis.DirtyTablesKey, rec.TableID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write table %s: %w", rec.TableID, err)
	}
	return nil
}

// UpdateSeat rewrites one seat, bumping the version and marking dirty
// atomically. Returns the new version.
func (s *TableStore) UpdateSeat(ctx context.Context, tableID string, seat model.SeatState) (int64, error) {
	raw, err := jsonField(seat)
	if err != nil {
		return 0, err
	}
	return s.updateFields(ctx, tableID, seatField(seat.Pos), raw)
}

// UpdateDealer moves the dealer button.
func (s *TableStore) UpdateDealer(ctx context.Context, tableID string, pos int) (int64, error) {
	return s.updateFields(ctx, tableID, fieldDealerPos, strconv.Itoa(pos))
}

// UpdateHand binds or clears (empty id) the in-progress hand.
func (s *TableStore) UpdateHand(ctx context.Context, tableID, handID string) (int64, error) {
	return s.updateFields(ctx, tableID, fieldHandID, handID)
}

func (s *TableStore) updateFields(ctx context.Context, tableID string, pairs ...string) (int64, error) {
	argv := make([]any, 0, 3+len(pairs))
	argv = append(argv, s.ttl.Milliseconds(), time.Now().UnixMilli(), tableID)
	for _, p := range pairs {
		argv = append(argv, p)
	}
	keys := []string{xredis.TableStateKey(tableID), xredis.DirtyTablesKey}
	version, err := updateFieldsScript.Run(ctx, s.rdb, keys, argv...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update table %s: %w", tableID, err)
	}
	if version == 0 {
		return 0, ErrCacheMiss
	}
	return version, nil
}

// MarkClean clears the dirty flag and the dirty-set membership, but only
// while the record still holds the flushed version (0 = unconditional).
// Called by the synchronizer after a confirmed database write, never by game
// logic.
func (s *TableStore) MarkClean(ctx context.Context, tableID string, version int64) (bool, error) {
	keys := []string{xredis.TableStateKey(tableID), xredis.DirtyTablesKey}
	ok, err := markCleanScript.Run(ctx, s.rdb, keys, tableID, version).Int64()
	if err != nil {
		return false, fmt.Errorf("mark clean table %s: %w", tableID, err)
	}
	return ok == 1, nil
}

// Invalidate unconditionally deletes the record, used on table teardown or
// detected desynchronization.
func (s *TableStore) Invalidate(ctx context.Context, tableID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, xredis.TableStateKey(tableID))
		pipe.SRem(ctx, xredis.DirtyTablesKey, tableID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate table %s: %w", tableID, err)
	}
	return nil
}

// DirtyTables lists the table ids with pending unflushed writes.
func (s *TableStore) DirtyTables(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, xredis.DirtyTablesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read dirty set: %w", err)
	}
	return ids, nil
}

// DropDirty removes an id whose record vanished from cache between being
// listed dirty and being processed.
func (s *TableStore) DropDirty(ctx context.Context, tableID string) error {
	return s.rdb.SRem(ctx, xredis.DirtyTablesKey, tableID).Err()
}
