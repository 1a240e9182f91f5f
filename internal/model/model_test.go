package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTable() *TableStateRecord {
	return &TableStateRecord{
		TableID: "t1",
		Config:  TableConfig{MaxSeats: 6, SmallBlind: 25, BigBlind: 50},
		Seats: []SeatState{
			{Pos: 0, UserID: "u1", Stack: 5000, Status: SeatSitting},
			{Pos: 5, UserID: "u2", Stack: 3000, Status: SeatPlaying},
		},
		Version: 3,
	}
}

func TestTableStateValidate(t *testing.T) {
	assert.NoError(t, validTable().Validate())

	t.Run("empty id", func(t *testing.T) {
		r := validTable()
		r.TableID = ""
		assert.ErrorIs(t, r.Validate(), ErrBadRecord)
	})

	t.Run("seat out of range", func(t *testing.T) {
		r := validTable()
		r.Seats[1].Pos = 6
		assert.ErrorIs(t, r.Validate(), ErrBadRecord)
	})

	t.Run("no seat capacity", func(t *testing.T) {
		r := validTable()
		r.Config.MaxSeats = 0
		assert.ErrorIs(t, r.Validate(), ErrBadRecord)
	})
}

func TestTableStateClone(t *testing.T) {
	orig := validTable()
	clone := orig.Clone()
	require.Equal(t, orig, clone)

	clone.Seats[0].Stack = 1
	clone.Config.BigBlind = 999
	assert.Equal(t, int64(5000), orig.Seats[0].Stack, "clone must not alias seats")
	assert.Equal(t, int64(50), orig.Config.BigBlind)
}

func TestTableStateSeat(t *testing.T) {
	r := validTable()
	require.NotNil(t, r.Seat(5))
	assert.Equal(t, "u2", r.Seat(5).UserID)
	assert.Nil(t, r.Seat(3))
}

func TestHandStateValidate(t *testing.T) {
	r := &HandStateRecord{HandID: "h1", TableID: "t1"}
	assert.NoError(t, r.Validate())
	assert.ErrorIs(t, (&HandStateRecord{HandID: "h1"}).Validate(), ErrBadRecord)
	assert.ErrorIs(t, (&HandStateRecord{TableID: "t1"}).Validate(), ErrBadRecord)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MsgSubscribeTable, SubscribePayload{TableID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, MsgSubscribeTable, env.Type)
	assert.NotEmpty(t, env.TraceID)
	assert.Positive(t, env.Timestamp)

	var p SubscribePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "t1", p.TableID)

	t.Run("nil payload stays empty", func(t *testing.T) {
		env, err := NewEnvelope(MsgHeartbeat, nil)
		require.NoError(t, err)
		assert.Empty(t, env.Payload)
	})

	t.Run("wire format uses stable field names", func(t *testing.T) {
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Contains(t, m, "type")
		assert.Contains(t, m, "timestamp")
		assert.Contains(t, m, "traceId")
	})
}
