// Package model defines the state records exchanged between the cache layer,
// the synchronizer and the relational store. All serialization is explicit
// and versioned; schema drift fails at the cache boundary, not at runtime
// field lookup.
package model

import (
	"errors"
	"time"

	"github.com/jinzhu/copier"
)

// SchemaVersion tags every serialized record. Decoding a record written by
// an incompatible build is rejected instead of silently misread.
const SchemaVersion = 1

// Seat status values.
const (
	SeatEmpty int32 = iota
	SeatSitting
	SeatPlaying
	SeatFolded
	SeatAllIn
	SeatSittingOut
)

var (
	ErrBadRecord     = errors.New("model: malformed record")
	ErrSchemaVersion = errors.New("model: incompatible schema version")
)

// TableConfig is the serialized table configuration.
type TableConfig struct {
	MaxSeats       int   `json:"max_seats"`
	SmallBlind     int64 `json:"small_blind"`
	BigBlind       int64 `json:"big_blind"`
	MinBuyIn       int64 `json:"min_buy_in"`
	MaxBuyIn       int64 `json:"max_buy_in"`
	TurnTimeoutSec int   `json:"turn_timeout_sec"`
}

// SeatState is one seat of a table. UserID empty means the seat is vacant.
type SeatState struct {
	Pos      int    `json:"pos"`
	UserID   string `json:"user_id"`
	Stack    int64  `json:"stack"`
	Status   int32  `json:"status"`
	RoundBet int64  `json:"round_bet"`
}

// TableStateRecord is the cached live state of one table.
//
// Version strictly increases on every mutation and is the only field clients
// may use to detect staleness or reordering. Dirty is true iff the record
// has been mutated since its last successful database write.
type TableStateRecord struct {
	TableID   string      `json:"table_id"`
	Config    TableConfig `json:"config"`
	Seats     []SeatState `json:"seats"`
	HandID    string      `json:"hand_id"`
	DealerPos int         `json:"dealer_pos"`
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
	Dirty     bool        `json:"dirty"`
}

func (r *TableStateRecord) Validate() error {
	if r.TableID == "" {
		return ErrBadRecord
	}
	if r.Config.MaxSeats <= 0 || len(r.Seats) > r.Config.MaxSeats {
		return ErrBadRecord
	}
	for i := range r.Seats {
		if r.Seats[i].Pos < 0 || r.Seats[i].Pos >= r.Config.MaxSeats {
			return ErrBadRecord
		}
	}
	return nil
}

// Clone deep-copies the record so callers never alias cached state.
func (r *TableStateRecord) Clone() *TableStateRecord {
	out := &TableStateRecord{}
	_ = copier.CopyWithOption(out, r, copier.Option{DeepCopy: true})
	return out
}

// Seat returns the seat at pos, or nil.
func (r *TableStateRecord) Seat(pos int) *SeatState {
	for i := range r.Seats {
		if r.Seats[i].Pos == pos {
			return &r.Seats[i]
		}
	}
	return nil
}
