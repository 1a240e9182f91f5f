package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yola1107/holdem-live/internal/model"
)

// Records are stored as one redis hash each: scalar fields flat, structured
// sub-objects (config, per-seat state, side pots) as JSON field values, one
// field per seat so a single seat change rewrites a single field.

func tableToMap(r *model.TableStateRecord, dirty bool) (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		fieldSchema:    model.SchemaVersion,
		fieldTableID:   r.TableID,
		fieldConfig:    string(cfg),
		fieldHandID:    r.HandID,
		fieldDealerPos: r.DealerPos,
		fieldVersion:   r.Version,
		fieldUpdatedAt: r.UpdatedAt.UnixMilli(),
		fieldDirty:     boolField(dirty),
	}
	for i := range r.Seats {
		raw, err := json.Marshal(r.Seats[i])
		if err != nil {
			return nil, err
		}
		m[seatField(r.Seats[i].Pos)] = string(raw)
	}
	return m, nil
}

func tableFromMap(m map[string]string) (*model.TableStateRecord, error) {
	if err := checkSchema(m); err != nil {
		return nil, err
	}
	r := &model.TableStateRecord{
		TableID:   m[fieldTableID],
		HandID:    m[fieldHandID],
		DealerPos: int(parseInt(m[fieldDealerPos])),
		Version:   parseInt(m[fieldVersion]),
		UpdatedAt: time.UnixMilli(parseInt(m[fieldUpdatedAt])),
		Dirty:     m[fieldDirty] == "1",
	}
	if err := json.Unmarshal([]byte(m[fieldConfig]), &r.Config); err != nil {
		return nil, fmt.Errorf("%w: config: %v", model.ErrBadRecord, err)
	}
	for field, raw := range m {
		if !strings.HasPrefix(field, seatFieldPrefix) {
			continue
		}
		var seat model.SeatState
		if err := json.Unmarshal([]byte(raw), &seat); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrBadRecord, field, err)
		}
		r.Seats = append(r.Seats, seat)
	}
	sortSeats(r.Seats)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func handToMap(r *model.HandStateRecord) (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	community, err := json.Marshal(r.Community)
	if err != nil {
		return nil, err
	}
	sidePots, err := json.Marshal(r.SidePots)
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		fieldSchema:    model.SchemaVersion,
		fieldHandID:    r.HandID,
		fieldTableID:   r.TableID,
		fieldSeqNo:     r.SeqNo,
		fieldPhase:     string(r.Phase),
		fieldCommunity: string(community),
		fieldPot:       r.Pot,
		fieldSidePots:  string(sidePots),
		fieldTurnPos:   r.TurnPos,
		fieldMinRaise:  r.MinRaise,
		fieldStartedAt: r.StartedAt.UnixMilli(),
		fieldVersion:   r.Version,
		fieldUpdatedAt: time.Now().UnixMilli(),
	}
	for pos, seat := range r.Seats {
		raw, err := json.Marshal(seat)
		if err != nil {
			return nil, err
		}
		m[seatField(pos)] = string(raw)
	}
	return m, nil
}

func handFromMap(m map[string]string) (*model.HandStateRecord, error) {
	if err := checkSchema(m); err != nil {
		return nil, err
	}
	r := &model.HandStateRecord{
		HandID:    m[fieldHandID],
		TableID:   m[fieldTableID],
		SeqNo:     parseInt(m[fieldSeqNo]),
		Phase:     model.HandPhase(m[fieldPhase]),
		Pot:       parseInt(m[fieldPot]),
		TurnPos:   int(parseInt(m[fieldTurnPos])),
		MinRaise:  parseInt(m[fieldMinRaise]),
		StartedAt: time.UnixMilli(parseInt(m[fieldStartedAt])),
		Version:   parseInt(m[fieldVersion]),
		Seats:     map[int]*model.HandSeatState{},
	}
	if err := json.Unmarshal([]byte(m[fieldCommunity]), &r.Community); err != nil {
		return nil, fmt.Errorf("%w: community: %v", model.ErrBadRecord, err)
	}
	if err := json.Unmarshal([]byte(m[fieldSidePots]), &r.SidePots); err != nil {
		return nil, fmt.Errorf("%w: side_pots: %v", model.ErrBadRecord, err)
	}
	for field, raw := range m {
		if !strings.HasPrefix(field, seatFieldPrefix) {
			continue
		}
		pos := int(parseInt(strings.TrimPrefix(field, seatFieldPrefix)))
		seat := &model.HandSeatState{}
		if err := json.Unmarshal([]byte(raw), seat); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrBadRecord, field, err)
		}
		r.Seats[pos] = seat
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func seatField(pos int) string { return seatFieldPrefix + strconv.Itoa(pos) }

func jsonField(v any) (string, error) {
	raw, err := json.Marshal(v)
	return string(raw), err
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func checkSchema(m map[string]string) error {
	if len(m) == 0 {
		return ErrCacheMiss
	}
	if parseInt(m[fieldSchema]) != model.SchemaVersion {
		return fmt.Errorf("%w: got %q want %d", model.ErrSchemaVersion, m[fieldSchema], model.SchemaVersion)
	}
	return nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func sortSeats(seats []model.SeatState) {
	sort.Slice(seats, func(i, j int) bool { return seats[i].Pos < seats[j].Pos })
}
