// Package server exposes the websocket endpoint: it upgrades sockets,
// admits them into the connection manager, and routes the few inbound
// envelope types this layer owns (subscribe/unsubscribe). Everything else
// on the wire is opaque game-logic traffic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yola1107/holdem-live/internal/conf"
	"github.com/yola1107/holdem-live/internal/connmgr"
	"github.com/yola1107/holdem-live/internal/model"
	"github.com/yola1107/holdem-live/pkg/xlog"
)

// TableChannel names the fanout channel of one table.
func TableChannel(tableID string) string { return "table:" + tableID }

type Server struct {
	cfg  conf.Server
	mgr  *connmgr.Manager
	sess *connmgr.SessionConfig

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg conf.Server, cm conf.ConnMgr, mgr *connmgr.Manager) *Server {
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		sess: &connmgr.SessionConfig{
			WriteTimeout: cm.WriteTimeout.AsDuration(),
			ReadDeadline: cm.ReadDeadline.AsDuration(),
			SendChanSize: cm.SendChanSize,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// auth fronting this service vets origins; the upgrade itself
			// only needs an authenticated user id
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

func (s *Server) Start() error {
	xlog.Infof("websocket server listening on %s%s", s.cfg.Addr, s.cfg.Path)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		xlog.Warnf("upgrade failed. user=%s err=%v", userID, err)
		return
	}

	sess := connmgr.NewSession(&sessionHandler{srv: s}, conn, userID, sessionID, s.sess)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.mgr.Connect(ctx, sess); err != nil {
		// refused at handshake with a specific reason
		sess.CloseWithCode(connmgr.CloseCodeLimit, err.Error())
		return
	}
	s.resume(ctx, sess)
}

// resume re-subscribes a fast-reconnecting client to its prior channels and
// tells it which versions it had seen, so it can request any gap.
func (s *Server) resume(ctx context.Context, sess *connmgr.Session) {
	snap, err := s.mgr.ResumeSnapshot(ctx, sess)
	if err != nil {
		xlog.Warnf("resume failed. user=%s err=%v", sess.UserID(), err)
		return
	}
	if snap == nil {
		return
	}
	env, err := model.NewEnvelope(model.MsgReconnectState, snap)
	if err != nil {
		return
	}
	if err := sess.Send(env); err != nil {
		xlog.Warnf("resume push failed. conn=%s err=%v", sess.ID(), err)
	}
}

type sessionHandler struct {
	srv *Server
}

func (h *sessionHandler) OnSessionClose(sess *connmgr.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.srv.mgr.Disconnect(ctx, sess.ID(), true)
}

func (h *sessionHandler) HandleEnvelope(sess *connmgr.Session, env *model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch env.Type {
	case model.MsgSubscribeTable, model.MsgUnsubscribeTable:
		payload := &model.SubscribePayload{}
		if err := json.Unmarshal(env.Payload, payload); err != nil || payload.TableID == "" {
			h.reject(sess, env, "bad subscribe payload")
			return
		}
		var opErr error
		if env.Type == model.MsgSubscribeTable {
			opErr = h.srv.mgr.Subscribe(ctx, sess.ID(), TableChannel(payload.TableID))
		} else {
			opErr = h.srv.mgr.Unsubscribe(ctx, sess.ID(), TableChannel(payload.TableID))
		}
		if opErr != nil {
			h.reject(sess, env, opErr.Error())
		}
	default:
		// inbound game actions are not this layer's business
		xlog.Debugf("ignoring inbound envelope. conn=%s type=%s", sess.ID(), env.Type)
	}
}

func (h *sessionHandler) reject(sess *connmgr.Session, env *model.Envelope, reason string) {
	out, err := model.NewEnvelope(model.MsgError, map[string]string{
		"reason": reason,
		"cause":  env.Type,
	})
	if err != nil {
		return
	}
	out.TraceID = env.TraceID
	_ = sess.Send(out)
}
