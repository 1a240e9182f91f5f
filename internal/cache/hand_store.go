package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

// updateSeatScript patches one seat's sub-state inside the hand hash without
// re-serializing the whole record, bumping the version atomically.
//
// KEYS[1] hand hash
// ARGV[1] ttl ms, ARGV[2] now unix ms, ARGV[3] seat pos, ARGV[4] json patch
// Returns the new version, 0 when the hand is not cached, -1 for a bad seat.
var updateSeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local f = 'seat:' .. ARGV[3]
local cur = redis.call('HGET', KEYS[1], f)
if not cur then
	return -1
end
local seat = cjson.decode(cur)
local patch = cjson.decode(ARGV[4])
for k, v in pairs(patch) do
	seat[k] = v
end
redis.call('HSET', KEYS[1], f, cjson.encode(seat))
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return v
`)

// HandStore is the cache-only store for in-progress hands and their
// append-only action logs. Hand records are deleted on completion, never
// left to expire: the completion hand-off is the single point where the
// database takes over.
type HandStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHandStore(rdb *redis.Client, ttl time.Duration) *HandStore {
	return &HandStore{rdb: rdb, ttl: ttl}
}

// Create stores a fresh hand record. Any leftovers under the same id are
// dropped first.
func (s *HandStore) Create(ctx context.Context, rec *model.HandStateRecord) error {
	fields, err := handToMap(rec)
	if err != nil {
		return fmt.Errorf("encode hand %s: %w", rec.HandID, err)
	}
	key := xredis.HandStateKey(rec.HandID)
	actionsKey := xredis.HandActionsKey(rec.HandID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key, actionsKey)
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write hand %s: %w", rec.HandID, err)
	}
	return nil
}

func (s *HandStore) Get(ctx context.Context, handID string) (*model.HandStateRecord, error) {
	m, err := s.rdb.HGetAll(ctx, xredis.HandStateKey(handID)).Result()
	if err != nil {
		xlog.Warnf("hand cache read degraded to miss. hand=%s err=%v", handID, err)
		return nil, ErrCacheMiss
	}
	rec, err := handFromMap(m)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			xlog.Errorf("hand cache record rejected. hand=%s err=%v", handID, err)
		}
		return nil, ErrCacheMiss
	}
	return rec, nil
}

// AppendAction pushes one action onto the hand's log and bumps the hand
// version atomically. Returns the log length, which is also the action's
// 1-based position in the final history.
func (s *HandStore) AppendAction(ctx context.Context, handID string, action model.ActionRecord) (int64, error) {
	if action.At.IsZero() {
		action.At = time.Now()
	}
	raw, err := json.Marshal(action)
	if err != nil {
		return 0, err
	}
	keys := []string{xredis.HandStateKey(handID), xredis.HandActionsKey(handID)}
	n, err := appendActionScript.Run(ctx, s.rdb, keys,
		s.ttl.Milliseconds(), time.Now().UnixMilli(), string(raw)).Int64()
	if err != nil {
		return 0, fmt.Errorf("append action hand %s: %w", handID, err)
	}
	if n == 0 {
		return 0, ErrCacheMiss
	}
	return n, nil
}

// UpdatePhase advances the betting street.
func (s *HandStore) UpdatePhase(ctx context.Context, handID string, phase model.HandPhase, community []string) (int64, error) {
	raw, err := jsonField(community)
	if err != nil {
		return 0, err
	}
	return s.updateFields(ctx, handID, fieldPhase, string(phase), fieldCommunity, raw)
}

// UpdatePot rewrites the main pot and side pots.
func (s *HandStore) UpdatePot(ctx context.Context, handID string, pot int64, sidePots []model.SidePot) (int64, error) {
	raw, err := jsonField(sidePots)
	if err != nil {
		return 0, err
	}
	return s.updateFields(ctx, handID, fieldPot, strconv.FormatInt(pot, 10), fieldSidePots, raw)
}

// UpdateTurn moves the action to a seat and sets the minimum legal raise.
func (s *HandStore) UpdateTurn(ctx context.Context, handID string, turnPos int, minRaise int64) (int64, error) {
	return s.updateFields(ctx, handID,
		fieldTurnPos, strconv.Itoa(turnPos),
		fieldMinRaise, strconv.FormatInt(minRaise, 10))
}

func (s *HandStore) UpdateSeatCards(ctx context.Context, handID string, pos int, cards []string) (int64, error) {
	return s.patchSeat(ctx, handID, pos, map[string]any{"hole_cards": cards})
}

func (s *HandStore) UpdateSeatBet(ctx context.Context, handID string, pos int, roundBet, totalBet int64) (int64, error) {
	return s.patchSeat(ctx, handID, pos, map[string]any{"round_bet": roundBet, "total_bet": totalBet})
}

func (s *HandStore) UpdateSeatStatus(ctx context.Context, handID string, pos int, status int32, lastAction string) (int64, error) {
	return s.patchSeat(ctx, handID, pos, map[string]any{"status": status, "last_action": lastAction})
}

// Complete atomically reads the hand record plus its action log and deletes
// both. It is the single hand-off point to durable storage and is
// idempotent: a second call for the same id returns ErrHandNotFound.
func (s *HandStore) Complete(ctx context.Context, handID string) (*model.HandStateRecord, []model.ActionRecord, error) {
	keys := []string{xredis.HandStateKey(handID), xredis.HandActionsKey(handID)}
	res, err := completeHandScript.Run(ctx, s.rdb, keys).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, ErrHandNotFound
		}
		return nil, nil, fmt.Errorf("complete hand %s: %w", handID, err)
	}
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return nil, nil, fmt.Errorf("complete hand %s: unexpected reply %T", handID, res)
	}
	rec, err := handFromMap(flatToMap(parts[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("complete hand %s: %w", handID, err)
	}
	actions, err := decodeActions(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("complete hand %s: %w", handID, err)
	}
	return rec, actions, nil
}

// Invalidate drops a hand without persisting it, e.g. on table teardown of
// a voided hand.
func (s *HandStore) Invalidate(ctx context.Context, handID string) error {
	err := s.rdb.Del(ctx, xredis.HandStateKey(handID), xredis.HandActionsKey(handID)).Err()
	if err != nil {
		return fmt.Errorf("invalidate hand %s: %w", handID, err)
	}
	return nil
}

func (s *HandStore) updateFields(ctx context.Context, handID string, pairs ...string) (int64, error) {
	argv := make([]any, 0, 3+len(pairs))
	argv = append(argv, s.ttl.Milliseconds(), time.Now().UnixMilli(), handID)
	for _, p := range pairs {
		argv = append(argv, p)
	}
	// empty KEYS[2]: hands never enter the dirty set, they are consumed at
	// completion instead of being flushed.
	keys := []string{xredis.HandStateKey(handID), ""}
	version, err := updateFieldsScript.Run(ctx, s.rdb, keys, argv...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update hand %s: %w", handID, err)
	}
	if version == 0 {
		return 0, ErrCacheMiss
	}
	return version, nil
}

func (s *HandStore) patchSeat(ctx context.Context, handID string, pos int, patch map[string]any) (int64, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return 0, err
	}
	keys := []string{xredis.HandStateKey(handID)}
	version, err := updateSeatScript.Run(ctx, s.rdb, keys,
		s.ttl.Milliseconds(), time.Now().UnixMilli(), pos, string(raw)).Int64()
	if err != nil {
		return 0, fmt.Errorf("update hand %s seat %d: %w", handID, pos, err)
	}
	switch version {
	case 0:
		return 0, ErrCacheMiss
	case -1:
		return 0, fmt.Errorf("hand %s has no seat %d: %w", handID, pos, model.ErrBadRecord)
	}
	return version, nil
}

func flatToMap(v any) map[string]string {
	flat, _ := v.([]any)
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		m[k] = val
	}
	return m
}

func decodeActions(v any) ([]model.ActionRecord, error) {
	items, _ := v.([]any)
	out := make([]model.ActionRecord, 0, len(items))
	for i, item := range items {
		raw, _ := item.(string)
		var a model.ActionRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if a.Seq == 0 {
			a.Seq = int64(i + 1)
		}
		out = append(out, a)
	}
	return out, nil
}
