package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xlog"
)

var (
	errSessionClosed = errors.New("session: closed send")
	errSendNil       = errors.New("session: send nil envelope")
)

// Close codes used by this layer, in the websocket private range.
const (
	CloseCodeReplaced         = 4001 // evicted by a newer connection of the same user
	CloseCodeHeartbeatTimeout = 4002 // no heartbeat within the timeout
	CloseCodeShutdown         = 4003 // server draining
	CloseCodeLimit            = 4004 // refused at handshake, connection quota
)

// Handler receives session lifecycle callbacks and inbound envelopes.
type Handler interface {
	// OnSessionClose runs after the socket is torn down, e.g. to deregister
	// from the manager.
	OnSessionClose(s *Session)
	// HandleEnvelope processes one inbound frame. Heartbeats are consumed
	// before this is called.
	HandleEnvelope(s *Session, env *model.Envelope)
}

type SessionConfig struct {
	WriteTimeout time.Duration
	ReadDeadline time.Duration
	SendChanSize int
}

func newConnID() string {
	shortID, _ := gonanoid.New(10)
	return "C-" + shortID
}

// Session is one live client socket, owned exclusively by the process that
// accepted it.
type Session struct {
	id        string
	userID    string
	sessionID string // reconnection correlation id supplied by the client
	h         Handler
	config    *SessionConfig

	connMu sync.Mutex
	conn   *websocket.Conn

	sendMu   sync.Mutex
	sendChan chan []byte

	closed    atomic.Bool
	createdAt time.Time
	lastBeat  atomic.Value // time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(h Handler, conn *websocket.Conn, userID, sessionID string, config *SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        newConnID(),
		userID:    userID,
		sessionID: sessionID,
		h:         h,
		conn:      conn,
		config:    config,
		sendChan:  make(chan []byte, config.SendChanSize),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.lastBeat.Store(time.Now())
	go s.readPump()
	go s.writePump()
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// SessionID is the client-supplied reconnection correlation id.
func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastBeat() time.Time { return s.lastBeat.Load().(time.Time) }

// Beat records client liveness; any inbound frame counts.
func (s *Session) Beat() { s.lastBeat.Store(time.Now()) }

func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Session) Closed() bool { return s.closed.Load() }

// Send queues an envelope for the write pump.
func (s *Session) Send(env *model.Envelope) error {
	if env == nil {
		return errSendNil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.Closed() {
		return errSessionClosed
	}
	select {
	case s.sendChan <- data:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

// CloseWithCode tears the socket down with an explicit close frame. Safe to
// call more than once.
func (s *Session) CloseWithCode(code int, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	message := websocket.FormatCloseMessage(code, reason)
	s.writeControl(websocket.CloseMessage, message)

	s.cancel()

	s.sendMu.Lock()
	close(s.sendChan)
	s.sendMu.Unlock()

	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()

	s.h.OnSessionClose(s)
}

func (s *Session) readPump() {
	defer s.CloseWithCode(websocket.CloseNormalClosure, "read closed")

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.ReadDeadline)); err != nil {
			xlog.Errorf("connID=%q set read deadline error: %v", s.id, err)
			return
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				xlog.Warnf("connID=%q unexpected close: %v", s.id, err)
			}
			return
		}
		s.Beat()

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			env := &model.Envelope{}
			if err := json.Unmarshal(data, env); err != nil {
				xlog.Warnf("connID=%q malformed envelope: %v", s.id, err)
				continue
			}
			if env.Type == model.MsgHeartbeat {
				continue
			}
			s.h.HandleEnvelope(s, env)
		case websocket.PingMessage:
			s.writeControl(websocket.PongMessage, data)
		case websocket.PongMessage, websocket.CloseMessage:
			if msgType == websocket.CloseMessage {
				return
			}
		default:
			xlog.Warnf("connID=%q unsupported message type: %d", s.id, msgType)
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.sendChan:
			if !ok {
				return
			}
			if err := s.writeTextMessage(msg); err != nil {
				if errors.Is(err, errSessionClosed) || strings.Contains(err.Error(), "close sent") {
					xlog.Infof("connID=%q write aborted, reason: %v", s.id, err)
				} else {
					xlog.Errorf("connID=%q write error: %v", s.id, err)
				}
				s.CloseWithCode(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *Session) writeControl(msgType int, data []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.WriteControl(msgType, data, time.Now().Add(s.config.WriteTimeout))
}

func (s *Session) writeTextMessage(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
