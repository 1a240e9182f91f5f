// Package syncer drains the cache's dirty set into the relational store:
// periodic bounded batches for table state, a synchronous event-driven path
// for completed hands, and the single balance-credit hook for leaving
// players.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yola1107/holdem-live/internal/cache"
	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/library/work"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

// Repo is the relational surface the synchronizer writes to.
type Repo interface {
	UpsertTableState(ctx context.Context, rec *model.TableStateRecord) error
	InsertHandHistory(ctx context.Context, rec *model.HandStateRecord,
		actions []model.ActionRecord, winners []model.Winner) error
	CreditBalance(ctx context.Context, userID string, amount int64) error
}

type State int32

const (
	Stopped State = iota
	Running
	Draining
)

const (
	passTimeout  = 30 * time.Second
	oneShotGuard = 24 * time.Hour
)

var ErrNotRunning = errors.New("syncer: not running")

type Synchronizer struct {
	tables *cache.TableStore
	hands  *cache.HandStore
	repo   Repo
	rdb    *redis.Client
	timer  work.Scheduler

	interval  time.Duration
	batchSize int

	state  atomic.Int32
	taskID int64
	passMu sync.Mutex // one flush pass at a time; Stop waits on it

	failures atomic.Int64
}

func New(tables *cache.TableStore, hands *cache.HandStore, repo Repo,
	rdb *redis.Client, timer work.Scheduler, interval time.Duration, batchSize int) *Synchronizer {
	return &Synchronizer{
		tables:    tables,
		hands:     hands,
		repo:      repo,
		rdb:       rdb,
		timer:     timer,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (s *Synchronizer) State() State { return State(s.state.Load()) }

// Failures counts individual table flushes that hit a database error and
// were left dirty for the next pass.
func (s *Synchronizer) Failures() int64 { return s.failures.Load() }

// Start begins the periodic batch passes.
func (s *Synchronizer) Start() error {
	if !s.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return ErrNotRunning
	}
	s.taskID = s.timer.Forever(s.interval, func() {
		if s.State() != Running {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		s.flushPass(ctx, s.batchSize)
	})
	xlog.Infof("syncer started. interval=%v batch=%d", s.interval, s.batchSize)
	return nil
}

// Stop cancels the periodic task and runs one final unbounded pass over the
// whole dirty set, so shutdown never silently drops pending writes.
func (s *Synchronizer) Stop(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}
	s.timer.Cancel(s.taskID)
	flushed := s.flushPass(ctx, 0)
	s.state.Store(int32(Stopped))
	xlog.Infof("syncer drained and stopped. flushed=%d", flushed)
}

// flushPass drains up to limit dirty tables (limit <= 0 means all).
func (s *Synchronizer) flushPass(ctx context.Context, limit int) int {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ids, err := s.tables.DirtyTables(ctx)
	if err != nil {
		xlog.Warnf("syncer: dirty set unavailable: %v", err)
		return 0
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	flushed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			xlog.Warnf("syncer: pass aborted: %v", ctx.Err())
			break
		}
		wrote, err := s.flushTable(ctx, id)
		if err != nil {
			// logged and left dirty for the next pass; never aborts the batch
			s.failures.Add(1)
			xlog.Errorf("syncer: flush table %s failed: %v", id, err)
			continue
		}
		if wrote {
			flushed++
		}
	}
	return flushed
}

// flushTable re-reads one dirty table and writes it through, reporting
// whether a database write actually happened. A record that vanished from
// cache between listing and processing, or turns out clean, is dropped from
// the dirty set with no error and does not count as a flush.
func (s *Synchronizer) flushTable(ctx context.Context, tableID string) (bool, error) {
	rec, err := s.tables.Get(ctx, tableID)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return false, s.tables.DropDirty(ctx, tableID)
		}
		return false, err
	}
	if !rec.Dirty {
		return false, s.tables.DropDirty(ctx, tableID)
	}
	if err := s.repo.UpsertTableState(ctx, rec); err != nil {
		return false, err
	}
	cleaned, err := s.tables.MarkClean(ctx, tableID, rec.Version)
	if err != nil {
		return true, err
	}
	if !cleaned {
		// mutated mid-flush; stays dirty, next pass picks up the newer version
		xlog.Debugf("syncer: table %s moved past v%d during flush", tableID, rec.Version)
	}
	return true, nil
}

// SyncOnHandComplete consumes the hand's cache entries and persists one hand
// row plus one event row per logged action, in original order, then flushes
// the parent table. Runs synchronously relative to hand completion: hand
// history is not recoverable once the cache entry is gone.
func (s *Synchronizer) SyncOnHandComplete(ctx context.Context, handID, tableID string, winners []model.Winner) error {
	rec, actions, err := s.hands.Complete(ctx, handID)
	if err != nil {
		return err // includes cache.ErrHandNotFound on a duplicate call
	}
	if err := s.repo.InsertHandHistory(ctx, rec, actions, winners); err != nil {
		s.restoreHand(ctx, rec, actions)
		return fmt.Errorf("persist hand %s: %w", handID, err)
	}
	if _, err := s.flushTable(ctx, tableID); err != nil {
		s.failures.Add(1)
		xlog.Errorf("syncer: table flush after hand %s failed: %v", handID, err)
	}
	return nil
}

// restoreHand puts a consumed hand back so a caller retry can succeed after
// a database failure. Best effort: on a second failure the loss is logged.
func (s *Synchronizer) restoreHand(ctx context.Context, rec *model.HandStateRecord, actions []model.ActionRecord) {
	if err := s.hands.Create(ctx, rec); err != nil {
		xlog.Errorf("syncer: hand %s history lost, restore failed: %v", rec.HandID, err)
		return
	}
	for _, a := range actions {
		if _, err := s.hands.AppendAction(ctx, rec.HandID, a); err != nil {
			xlog.Errorf("syncer: hand %s restore truncated at seq %d: %v", rec.HandID, a.Seq, err)
			return
		}
	}
}

// SyncPlayerBalance credits a leaving player's balance by their final stack.
// Guarded to run at most once per (user, table) leave: a duplicate call is a
// no-op, because double-crediting money is worse than skipping a retry.
func (s *Synchronizer) SyncPlayerBalance(ctx context.Context, userID, tableID string, finalStack int64) error {
	guard := xredis.OneShotKey("balance", userID+":"+tableID)
	ok, err := s.rdb.SetNX(ctx, guard, 1, oneShotGuard).Result()
	if err != nil {
		return fmt.Errorf("balance guard %s: %w", guard, err)
	}
	if !ok {
		xlog.Warnf("syncer: duplicate balance credit suppressed. user=%s table=%s", userID, tableID)
		return nil
	}
	if err := s.repo.CreditBalance(ctx, userID, finalStack); err != nil {
		// release the guard so a retry can credit
		_ = s.rdb.Del(ctx, guard).Err()
		return err
	}
	xlog.Infof("syncer: credited user=%s table=%s amount=%d", userID, tableID, finalStack)
	return nil
}
