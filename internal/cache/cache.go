// Package cache implements the redis-backed state store for tables and
// hands: cache-aside reads, atomic set+mark-dirty writes, field-level
// partial updates with a server-side version bump, and the dirty set drained
// by the synchronizer.
//
// Atomicity rules: every multi-step mutation goes through a TxPipeline or a
// Lua script so no other task can observe an intermediate state. Application
// code never read-modify-writes cached records.
package cache

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is the normal cache-aside signal: the entity is not in
	// cache. It never means the entity does not exist; callers fall back to
	// their own source of truth.
	ErrCacheMiss = errors.New("cache: miss")

	// ErrHandNotFound is returned by CompleteHand for a hand that was never
	// created or was already consumed.
	ErrHandNotFound = errors.New("cache: hand not found")
)

// Shared hash field names of table and hand records.
const (
	fieldSchema    = "_v"
	fieldTableID   = "table_id"
	fieldHandID    = "hand_id"
	fieldConfig    = "config"
	fieldDealerPos = "dealer_pos"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
	fieldDirty     = "dirty"

	fieldSeqNo     = "seq_no"
	fieldPhase     = "phase"
	fieldCommunity = "community"
	fieldPot       = "pot"
	fieldSidePots  = "side_pots"
	fieldTurnPos   = "turn_pos"
	fieldMinRaise  = "min_raise"
	fieldStartedAt = "started_at"

	seatFieldPrefix = "seat:"
)

// updateFieldsScript applies field writes, bumps the version, refreshes the
// TTL and marks the record dirty in one atomic step.
//
// KEYS[1] record hash, KEYS[2] dirty set ("" disables dirty tracking)
// ARGV[1] ttl ms, ARGV[2] now unix ms, ARGV[3] dirty-set member,
// ARGV[4..] field/value pairs.
// Returns the new version, or 0 when the record is not cached.
var updateFieldsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if KEYS[2] ~= '' then
	redis.call('HSET', KEYS[1], 'dirty', '1')
	redis.call('SADD', KEYS[2], ARGV[3])
end
return v
`)

// markCleanScript clears the dirty flag and removes the id from the dirty
// set, but only while the record still holds the version the synchronizer
// flushed; a concurrent mutation keeps the record dirty.
//
// KEYS[1] record hash, KEYS[2] dirty set
// ARGV[1] dirty-set member, ARGV[2] flushed version (0 = unconditional)
// Returns 1 when cleaned, 0 when the record moved on.
var markCleanScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
end
local v = redis.call('HGET', KEYS[1], 'version')
if tonumber(ARGV[2]) ~= 0 and tonumber(v) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'dirty', '0')
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// completeHandScript reads a hand record plus its action log and deletes
// both, as one consume-once step.
//
// KEYS[1] hand hash, KEYS[2] action list
// Returns {hash fields flat, actions} or false when already consumed.
var completeHandScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local h = redis.call('HGETALL', KEYS[1])
local a = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[1], KEYS[2])
return {h, a}
`)

// appendActionScript pushes one action onto the log, bumps the hand version
// and refreshes both TTLs atomically.
//
// KEYS[1] hand hash, KEYS[2] action list
// ARGV[1] ttl ms, ARGV[2] now unix ms, ARGV[3] encoded action
// Returns the new action-log length, or 0 when the hand is not cached.
var appendActionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local n = redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return n
`)
