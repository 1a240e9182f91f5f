// Package warmup repopulates the cache from the relational store on boot so
// the service never serves a cold-cache miss for a table that should exist.
// It runs to completion before the process accepts traffic.
package warmup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/yola1107/holdem-live/internal/cache"
	"github.com/yola1107/holdem-live/internal/data"
	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

const (
	loadConcurrency = 8
	roomPageSize    = 20
)

// Repo is the relational surface warmup reads from.
type Repo interface {
	ListActiveTables(ctx context.Context) ([]*model.TableStateRecord, error)
	ListOpenRooms(ctx context.Context) ([]data.RoomRow, error)
}

type Warmup struct {
	repo        Repo
	tables      *cache.TableStore
	rdb         *redis.Client
	roomListTTL time.Duration
}

func New(repo Repo, tables *cache.TableStore, rdb *redis.Client, roomListTTL time.Duration) *Warmup {
	return &Warmup{repo: repo, tables: tables, rdb: rdb, roomListTTL: roomListTTL}
}

// FullWarmup runs the three warmup steps in order: stale-key cleanup first,
// then table rehydration, then the lobby listing cache.
func (w *Warmup) FullWarmup(ctx context.Context) error {
	start := time.Now()
	if err := w.ClearStaleCache(ctx); err != nil {
		return err
	}
	loaded, err := w.WarmupActiveTables(ctx)
	if err != nil {
		return err
	}
	pages, err := w.WarmupRoomList(ctx)
	if err != nil {
		return err
	}
	xlog.Infof("warmup done. tables=%d room_pages=%d took=%v", loaded, pages, time.Since(start))
	return nil
}

// ClearStaleCache removes the dirty set and any lock keys a previous,
// possibly crashed, process left behind. Run before the other steps on
// every boot.
func (w *Warmup) ClearStaleCache(ctx context.Context) error {
	if err := w.rdb.Del(ctx, xredis.DirtyTablesKey).Err(); err != nil {
		return fmt.Errorf("clear dirty set: %w", err)
	}
	iter := w.rdb.Scan(ctx, 0, xredis.LockKeyPattern, 100).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := w.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			xlog.Warnf("warmup: stale lock %s not removed: %v", iter.Val(), err)
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan stale locks: %w", err)
	}
	if removed > 0 {
		xlog.Infof("warmup: removed %d stale lock keys", removed)
	}
	return nil
}

// WarmupActiveTables loads every table of a non-terminal room into the
// cache, marked clean since the data already matches the database. One
// table failing does not abort the rest.
func (w *Warmup) WarmupActiveTables(ctx context.Context) (int, error) {
	records, err := w.repo.ListActiveTables(ctx)
	if err != nil {
		return 0, err
	}
	var loaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			rec.Dirty = false
			if err := w.tables.Set(gctx, rec, false); err != nil {
				failed.Add(1)
				xlog.Warnf("warmup: table %s not loaded: %v", rec.TableID, err)
				return nil // isolate per-table failures
			}
			loaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if failed.Load() > 0 {
		xlog.Warnf("warmup: %d of %d tables failed to load", failed.Load(), len(records))
	}
	return int(loaded.Load()), nil
}

// WarmupRoomList pre-populates the short-TTL lobby listing pages. A redis
// lock keeps a fleet-wide restart from stampeding the rooms query; losing
// the lock means another instance is already filling the pages.
func (w *Warmup) WarmupRoomList(ctx context.Context) (int, error) {
	lock := xredis.LockKey("warmup:roomlist")
	ok, err := w.rdb.SetNX(ctx, lock, 1, 30*time.Second).Result()
	if err != nil {
		return 0, fmt.Errorf("room list lock: %w", err)
	}
	if !ok {
		xlog.Infof("warmup: room list is being filled by another instance")
		return 0, nil
	}
	defer w.rdb.Del(ctx, lock)

	rooms, err := w.repo.ListOpenRooms(ctx)
	if err != nil {
		return 0, err
	}
	pages := 0
	for start := 0; start < len(rooms); start += roomPageSize {
		end := start + roomPageSize
		if end > len(rooms) {
			end = len(rooms)
		}
		raw, err := json.Marshal(rooms[start:end])
		if err != nil {
			return pages, fmt.Errorf("encode room page: %w", err)
		}
		pages++
		if err := w.rdb.Set(ctx, xredis.RoomListKey(pages), raw, w.roomListTTL).Err(); err != nil {
			xlog.Warnf("warmup: room page %d not cached: %v", pages, err)
		}
	}
	return pages, nil
}
