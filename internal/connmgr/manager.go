// Package connmgr is the per-process registry of live client sessions:
// connection quotas, channel subscriptions, heartbeat liveness, reconnect
// snapshots, and cluster-wide fanout over a redis pub/sub bus.
//
// The registry is owned exclusively by this process. Other instances are
// only ever reached through the bus; the shared indices in redis are
// best-effort observability, never a delivery dependency.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/library/work"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

var (
	// ErrConnectionLimit is returned by Connect when the process-wide
	// connection quota is reached. A named, catchable condition, not a crash.
	ErrConnectionLimit = errors.New("connmgr: connection limit exceeded")

	ErrConnNotFound = errors.New("connmgr: connection not found")

	ErrManagerClosed = errors.New("connmgr: manager closed")
)

// Conn is the surface the manager needs from a live connection. *Session
// implements it; tests substitute a recording fake.
type Conn interface {
	ID() string
	UserID() string
	CreatedAt() time.Time
	LastBeat() time.Time
	Send(env *model.Envelope) error
	CloseWithCode(code int, reason string)
}

type Config struct {
	MaxConnections    int
	MaxPerUser        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SnapshotTTL       time.Duration
}

// reconnectSnapshot is what a disconnecting user leaves behind so a fast
// reconnect can resume exactly its prior channel set.
type reconnectSnapshot struct {
	SessionID string           `json:"session_id"`
	Channels  []string         `json:"channels"`
	Versions  map[string]int64 `json:"versions"`
	SavedAt   int64            `json:"saved_at"`
}

type Manager struct {
	cfg        Config
	instanceID string
	rdb        *redis.Client
	timer      work.Scheduler

	mu        sync.RWMutex
	conns     map[string]Conn                // conn id -> conn
	byUser    map[string]map[string]Conn     // user id -> conn id -> conn
	chanSubs  map[string]map[string]struct{} // channel -> conn ids
	connChans map[string]map[string]struct{} // conn id -> channels
	lastVer   map[string]int64               // channel -> last broadcast state version

	count  atomic.Int32
	closed atomic.Bool

	hbTask int64
	pubsub *redis.PubSub
	busWG  sync.WaitGroup
}

func NewManager(cfg Config, instanceID string, rdb *redis.Client, timer work.Scheduler) *Manager {
	return &Manager{
		cfg:        cfg,
		instanceID: instanceID,
		rdb:        rdb,
		timer:      timer,
		conns:      make(map[string]Conn),
		byUser:     make(map[string]map[string]Conn),
		chanSubs:   make(map[string]map[string]struct{}),
		connChans:  make(map[string]map[string]struct{}),
		lastVer:    make(map[string]int64),
	}
}

func (m *Manager) InstanceID() string { return m.instanceID }

func (m *Manager) Len() int { return int(m.count.Load()) }

// Start launches the bus listener and the heartbeat monitor. Must run after
// warmup, before fanout traffic.
func (m *Manager) Start(ctx context.Context) error {
	m.pubsub = m.rdb.Subscribe(ctx, xredis.FanoutChannel)
	// force the subscription before traffic starts
	if _, err := m.pubsub.Receive(ctx); err != nil {
		return err
	}
	m.busWG.Add(1)
	go m.runBusListener()

	m.hbTask = m.timer.Forever(m.cfg.HeartbeatInterval, m.heartbeatScan)
	xlog.Infof("connmgr started. instance=%s max=%d per_user=%d",
		m.instanceID, m.cfg.MaxConnections, m.cfg.MaxPerUser)
	return nil
}

// removal carries everything detachLocked gathered under the lock so the
// redis cleanup can run after it is released.
type removal struct {
	conn       Conn
	connID     string
	userID     string
	channels   []string
	versions   map[string]int64
	emptied    []string
	lastOfUser bool
	total      int
}

// detachLocked unregisters connID from every local map and collects what the
// out-of-lock cleanup needs. Caller holds mu.
func (m *Manager) detachLocked(connID string) (removal, bool) {
	c, ok := m.conns[connID]
	if !ok {
		return removal{}, false
	}
	channels := lo.Keys(m.connChans[connID])
	delete(m.conns, connID)
	delete(m.connChans, connID)
	userID := c.UserID()
	if userConns := m.byUser[userID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.byUser, userID)
		}
	}
	versions := make(map[string]int64, len(channels))
	var emptied []string
	for _, ch := range channels {
		if v, ok := m.lastVer[ch]; ok {
			versions[ch] = v
		}
		if m.removeSubLocked(connID, ch) {
			emptied = append(emptied, ch)
		}
	}
	return removal{
		conn:       c,
		connID:     connID,
		userID:     userID,
		channels:   channels,
		versions:   versions,
		emptied:    emptied,
		lastOfUser: m.byUser[userID] == nil,
		total:      len(m.conns),
	}, true
}

// finishDetach runs the redis side of a removal. Every step is independently
// best-effort: one failing step is logged and never blocks the rest.
func (m *Manager) finishDetach(ctx context.Context, r removal, saveState bool) {
	for _, ch := range r.emptied {
		if err := m.rdb.SRem(ctx, xredis.ChannelSubsKey(ch), m.instanceID).Err(); err != nil {
			xlog.Warnf("connmgr: channel index remove failed. channel=%s err=%v", ch, err)
		}
	}
	if err := m.rdb.SRem(ctx, xredis.UserConnsKey(r.userID), m.instanceID+"/"+r.connID).Err(); err != nil {
		xlog.Warnf("connmgr: user index remove failed. user=%s err=%v", r.userID, err)
	}
	if r.lastOfUser && saveState && len(r.channels) > 0 {
		m.saveSnapshot(ctx, r.conn, r.channels, r.versions)
	}
	xlog.Infof("disconnected. conn=%s user=%s total=%d save=%v", r.connID, r.userID, r.total, saveState)
}

// Connect admits a connection, enforcing the process-wide quota and the
// per-user cap. Admission, evictee choice and registration happen in one
// critical section so concurrent handshakes for the same user cannot each
// pick the same evictee and all register past the cap.
func (m *Manager) Connect(ctx context.Context, c Conn) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	var (
		evicted  removal
		hasEvict bool
	)
	m.mu.Lock()
	if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return ErrConnectionLimit
	}
	if userConns := m.byUser[c.UserID()]; len(userConns) >= m.cfg.MaxPerUser {
		evicted, hasEvict = m.detachLocked(oldestConn(userConns).ID())
	}
	if m.byUser[c.UserID()] == nil {
		m.byUser[c.UserID()] = make(map[string]Conn)
	}
	m.byUser[c.UserID()][c.ID()] = c
	m.conns[c.ID()] = c
	m.connChans[c.ID()] = make(map[string]struct{})
	total := len(m.conns)
	m.count.Store(int32(total))
	m.mu.Unlock()

	if hasEvict {
		// distinct code, no snapshot: the user clearly has fresher connections
		evicted.conn.CloseWithCode(CloseCodeReplaced, "replaced by newer connection")
		m.finishDetach(ctx, evicted, false)
	}

	// shared per-user index, best effort
	if err := m.rdb.SAdd(ctx, xredis.UserConnsKey(c.UserID()), m.instanceID+"/"+c.ID()).Err(); err != nil {
		xlog.Warnf("connmgr: user index add failed. user=%s err=%v", c.UserID(), err)
	}
	xlog.Infof("connected. conn=%s user=%s total=%d", c.ID(), c.UserID(), total)
	return nil
}

// Disconnect removes the connection everywhere it is registered.
func (m *Manager) Disconnect(ctx context.Context, connID string, saveState bool) {
	m.mu.Lock()
	r, ok := m.detachLocked(connID)
	if ok {
		m.count.Store(int32(r.total))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finishDetach(ctx, r, saveState)
}

// Subscribe adds the connection to a channel and mirrors membership into the
// shared per-channel index (observability only; delivery is broadcast).
func (m *Manager) Subscribe(ctx context.Context, connID, channel string) error {
	m.mu.Lock()
	if _, ok := m.conns[connID]; !ok {
		m.mu.Unlock()
		return ErrConnNotFound
	}
	if m.chanSubs[channel] == nil {
		m.chanSubs[channel] = make(map[string]struct{})
	}
	first := len(m.chanSubs[channel]) == 0
	m.chanSubs[channel][connID] = struct{}{}
	m.connChans[connID][channel] = struct{}{}
	m.mu.Unlock()

	if first {
		if err := m.rdb.SAdd(ctx, xredis.ChannelSubsKey(channel), m.instanceID).Err(); err != nil {
			xlog.Warnf("connmgr: channel index add failed. channel=%s err=%v", channel, err)
		}
	}
	return nil
}

func (m *Manager) Unsubscribe(ctx context.Context, connID, channel string) error {
	m.mu.Lock()
	if _, ok := m.conns[connID]; !ok {
		m.mu.Unlock()
		return ErrConnNotFound
	}
	delete(m.connChans[connID], channel)
	last := m.removeSubLocked(connID, channel)
	m.mu.Unlock()

	if last {
		if err := m.rdb.SRem(ctx, xredis.ChannelSubsKey(channel), m.instanceID).Err(); err != nil {
			xlog.Warnf("connmgr: channel index remove failed. channel=%s err=%v", channel, err)
		}
	}
	return nil
}

// removeSubLocked drops connID from channel, reporting whether it was the
// channel's last local subscriber. Caller holds mu.
func (m *Manager) removeSubLocked(connID, channel string) bool {
	subs := m.chanSubs[channel]
	if subs == nil {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(m.chanSubs, channel)
		delete(m.lastVer, channel)
		return true
	}
	return false
}

// BroadcastToChannel fans an envelope out to every subscriber of a channel,
// cluster-wide: publish on the bus for the other instances, deliver locally
// at once. Receivers skip their own instance's messages and the excluded
// connection id.
func (m *Manager) BroadcastToChannel(ctx context.Context, channel string, env *model.Envelope, excludeConnID string) (int, error) {
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}
	m.noteVersion(channel, env)

	msg := &model.FanoutMessage{
		Origin:  m.instanceID,
		Channel: channel,
		Exclude: excludeConnID,
		Env:     env,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if err := m.rdb.Publish(ctx, xredis.FanoutChannel, raw).Err(); err != nil {
		// local subscribers still get the message; remote delivery failed
		xlog.Errorf("connmgr: bus publish failed. channel=%s err=%v", channel, err)
	}
	return m.deliverLocal(channel, env, excludeConnID), nil
}

// SendToUser delivers directly to every local connection of a user.
func (m *Manager) SendToUser(userID string, env *model.Envelope) int {
	m.mu.RLock()
	conns := lo.Values(m.byUser[userID])
	m.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(env); err == nil {
			sent++
		}
	}
	return sent
}

// SendToConnection delivers to one connection by id.
func (m *Manager) SendToConnection(connID string, env *model.Envelope) error {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	return c.Send(env)
}

// ResumeSnapshot restores a reconnecting user's prior channel set within the
// snapshot TTL. The snapshot is consumed; nil means nothing to resume.
func (m *Manager) ResumeSnapshot(ctx context.Context, c Conn) (*model.ReconnectStatePayload, error) {
	key := xredis.UserReconnectKey(c.UserID())
	raw, err := m.rdb.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	snap := &reconnectSnapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, err
	}
	for _, ch := range snap.Channels {
		if err := m.Subscribe(ctx, c.ID(), ch); err != nil {
			xlog.Warnf("connmgr: resume subscribe failed. conn=%s channel=%s err=%v", c.ID(), ch, err)
		}
	}
	return &model.ReconnectStatePayload{
		Channels: snap.Channels,
		Versions: snap.Versions,
	}, nil
}

// OnPeerDown clears shared-index entries left behind by an instance that
// died without its own shutdown path. Invoked by the worker-health
// collaborator; purely best-effort.
func (m *Manager) OnPeerDown(ctx context.Context, instanceID string) {
	if err := m.rdb.Del(ctx, xredis.InstanceConnCountKey(instanceID)).Err(); err != nil {
		xlog.Warnf("connmgr: peer count cleanup failed. peer=%s err=%v", instanceID, err)
	}
	iter := m.rdb.Scan(ctx, 0, xredis.ChannelSubsKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := m.rdb.SRem(ctx, iter.Val(), instanceID).Err(); err != nil {
			xlog.Warnf("connmgr: peer index cleanup failed. key=%s err=%v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		xlog.Warnf("connmgr: peer index scan failed. peer=%s err=%v", instanceID, err)
	}
	xlog.Infof("connmgr: cleaned up after dead peer %s", instanceID)
}

// Close drains the manager: stops the monitor and bus listener, then closes
// every local connection with the shutdown code, saving reconnect state.
func (m *Manager) Close(ctx context.Context) {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.timer.Cancel(m.hbTask)
	if m.pubsub != nil {
		_ = m.pubsub.Close()
	}
	m.busWG.Wait()

	m.mu.RLock()
	conns := lo.Values(m.conns)
	m.mu.RUnlock()
	for _, c := range conns {
		c.CloseWithCode(CloseCodeShutdown, "server shutting down")
		m.Disconnect(ctx, c.ID(), true)
	}
	_ = m.rdb.Del(ctx, xredis.InstanceConnCountKey(m.instanceID)).Err()
	xlog.Infof("connmgr closed. instance=%s", m.instanceID)
}

func (m *Manager) runBusListener() {
	defer m.busWG.Done()
	for msg := range m.pubsub.Channel() {
		fan := &model.FanoutMessage{}
		if err := json.Unmarshal([]byte(msg.Payload), fan); err != nil {
			xlog.Warnf("connmgr: malformed bus message: %v", err)
			continue
		}
		if fan.Origin == m.instanceID {
			continue // already delivered locally at publish time
		}
		m.noteVersion(fan.Channel, fan.Env)
		m.deliverLocal(fan.Channel, fan.Env, fan.Exclude)
	}
}

func (m *Manager) deliverLocal(channel string, env *model.Envelope, excludeConnID string) int {
	m.mu.RLock()
	targets := make([]Conn, 0, len(m.chanSubs[channel]))
	for connID := range m.chanSubs[channel] {
		if connID == excludeConnID {
			continue
		}
		if c, ok := m.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			xlog.Warnf("connmgr: local delivery failed. conn=%s err=%v", c.ID(), err)
			continue
		}
		sent++
	}
	return sent
}

// heartbeatScan force-closes connections that have gone silent past the
// timeout; they may well reconnect, so state is saved.
func (m *Manager) heartbeatScan() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
	defer cancel()

	now := time.Now()
	m.mu.RLock()
	stale := make([]Conn, 0)
	for _, c := range m.conns {
		if now.Sub(c.LastBeat()) > m.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		xlog.Warnf("heartbeat timeout. conn=%s user=%s last=%v", c.ID(), c.UserID(), c.LastBeat())
		c.CloseWithCode(CloseCodeHeartbeatTimeout, "heartbeat timeout")
		m.Disconnect(ctx, c.ID(), true)
	}

	// best-effort cross-instance connection count
	if err := m.rdb.Set(ctx, xredis.InstanceConnCountKey(m.instanceID),
		m.count.Load(), 3*m.cfg.HeartbeatTimeout).Err(); err != nil {
		xlog.Debugf("connmgr: instance count publish failed: %v", err)
	}
}

// noteVersion remembers the highest state version seen per channel, for
// reconnect snapshots. Payloads without a version field are ignored.
func (m *Manager) noteVersion(channel string, env *model.Envelope) {
	if env == nil || len(env.Payload) == 0 {
		return
	}
	var probe struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil || probe.Version <= 0 {
		return
	}
	m.mu.Lock()
	if probe.Version > m.lastVer[channel] {
		m.lastVer[channel] = probe.Version
	}
	m.mu.Unlock()
}

func (m *Manager) saveSnapshot(ctx context.Context, c Conn, channels []string, versions map[string]int64) {
	sort.Strings(channels)
	snap := &reconnectSnapshot{
		Channels: channels,
		Versions: versions,
		SavedAt:  time.Now().UnixMilli(),
	}
	if s, ok := c.(*Session); ok {
		snap.SessionID = s.SessionID()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		xlog.Warnf("connmgr: snapshot encode failed. user=%s err=%v", c.UserID(), err)
		return
	}
	if err := m.rdb.Set(ctx, xredis.UserReconnectKey(c.UserID()), raw, m.cfg.SnapshotTTL).Err(); err != nil {
		xlog.Warnf("connmgr: snapshot save failed. user=%s err=%v", c.UserID(), err)
	}
}

func oldestConn(conns map[string]Conn) Conn {
	var oldest Conn
	for _, c := range conns {
		if oldest == nil || c.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = c
		}
	}
	return oldest
}
