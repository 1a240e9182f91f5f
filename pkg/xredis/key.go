package xredis

import "fmt"

// Key namespace. Every redis key the service touches is built here so the
// layout stays greppable in one place.

const (
	// DirtyTablesKey is the set of table ids with unflushed cache writes.
	DirtyTablesKey = "table:dirty"

	// FanoutChannel is the pub/sub channel every instance subscribes to.
	FanoutChannel = "holdem:fanout"

	// LockKeyPattern matches advisory lock keys; warmup sweeps leftovers
	// from a crashed process.
	LockKeyPattern = "lock:*"
)

func LockKey(name string) string { return "lock:" + name }

func TableStateKey(tableID string) string { return "table:state:" + tableID }

func HandStateKey(handID string) string { return "hand:state:" + handID }

func HandActionsKey(handID string) string { return "hand:actions:" + handID }

func ChannelSubsKey(channel string) string { return "channel:subs:" + channel }

func UserConnsKey(userID string) string { return "user:conns:" + userID }

func UserReconnectKey(userID string) string { return "user:reconnect:" + userID }

func RoomListKey(page int) string { return fmt.Sprintf("room:list:%d", page) }

// OneShotKey guards operations that must run at most once, e.g. crediting a
// leaving player's stack back to their balance.
func OneShotKey(scope, key string) string { return "oneshot:" + scope + ":" + key }

// InstanceConnCountKey tracks per-instance live connection counts,
// best-effort, for cross-instance observability.
func InstanceConnCountKey(instanceID string) string { return "instance:conns:" + instanceID }
