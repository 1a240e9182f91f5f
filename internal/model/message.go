package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the websocket wire frame. Payloads are opaque to this layer
// except for the subscribe/unsubscribe/heartbeat types it handles itself.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TraceID   string          `json:"traceId"`
}

// Envelope types handled by this layer. Everything else (TABLE_STATE_UPDATE,
// TURN_PROMPT, ...) is pass-through supplied by game logic.
const (
	MsgSubscribeTable   = "SUBSCRIBE_TABLE"
	MsgUnsubscribeTable = "UNSUBSCRIBE_TABLE"
	MsgHeartbeat        = "HEARTBEAT"
	MsgReconnectState   = "RECONNECT_STATE"
	MsgError            = "ERROR"
)

// NewEnvelope builds an envelope with a fresh trace id and millisecond
// timestamp. payload may be nil.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   uuid.New().String(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// SubscribePayload is the payload of SUBSCRIBE_TABLE / UNSUBSCRIBE_TABLE.
type SubscribePayload struct {
	TableID string `json:"table_id"`
}

// ReconnectStatePayload is sent to a resuming client: the channels it was
// re-subscribed to and the last state version it had seen per channel.
type ReconnectStatePayload struct {
	Channels []string         `json:"channels"`
	Versions map[string]int64 `json:"versions"`
}

// FanoutMessage is what travels over the pub/sub bus between instances.
type FanoutMessage struct {
	Origin  string    `json:"origin"`  // publishing instance id
	Channel string    `json:"channel"` // logical channel, e.g. "table:<id>"
	Exclude string    `json:"exclude"` // connection id to skip, may be empty
	Env     *Envelope `json:"env"`
}
