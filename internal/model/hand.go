package model

import "time"

// HandPhase is the betting street of an in-progress hand.
type HandPhase string

const (
	PhasePreflop  HandPhase = "preflop"
	PhaseFlop     HandPhase = "flop"
	PhaseTurn     HandPhase = "turn"
	PhaseRiver    HandPhase = "river"
	PhaseShowdown HandPhase = "showdown"
	PhaseFinished HandPhase = "finished"
)

// SidePot is one side pot and the seat positions eligible to win it.
type SidePot struct {
	Amount   int64 `json:"amount"`
	Eligible []int `json:"eligible"`
}

// HandSeatState is the per-seat sub-state of a hand.
type HandSeatState struct {
	HoleCards  []string `json:"hole_cards"`
	RoundBet   int64    `json:"round_bet"`
	TotalBet   int64    `json:"total_bet"`
	Status     int32    `json:"status"`
	LastAction string   `json:"last_action"`
}

// HandStateRecord is the cache-only state of one in-progress hand. It is
// never read back from the database mid-hand: once the synchronizer consumes
// the terminal record the cache entries are deleted and the database becomes
// authoritative.
type HandStateRecord struct {
	HandID    string                 `json:"hand_id"`
	TableID   string                 `json:"table_id"`
	SeqNo     int64                  `json:"seq_no"`
	Phase     HandPhase              `json:"phase"`
	Community []string               `json:"community"`
	Pot       int64                  `json:"pot"`
	SidePots  []SidePot              `json:"side_pots"`
	TurnPos   int                    `json:"turn_pos"`
	MinRaise  int64                  `json:"min_raise"`
	Seats     map[int]*HandSeatState `json:"seats"`
	StartedAt time.Time              `json:"started_at"`
	Version   int64                  `json:"version"`
}

func (r *HandStateRecord) Validate() error {
	if r.HandID == "" || r.TableID == "" {
		return ErrBadRecord
	}
	return nil
}

// ActionRecord is one applied action in a hand's append-only log.
type ActionRecord struct {
	Seq    int64     `json:"seq"`
	Pos    int       `json:"pos"`
	UserID string    `json:"user_id"`
	Action string    `json:"action"`
	Amount int64     `json:"amount"`
	At     time.Time `json:"at"`
}

// Winner is one winning seat reported at hand completion.
type Winner struct {
	Pos    int    `json:"pos"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}
