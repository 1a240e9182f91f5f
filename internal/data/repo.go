package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yola1107/holdem-live/internal/model"
)

// Room statuses considered terminal: tables of such rooms are not warmed up.
const (
	RoomStatusClosed   = "closed"
	RoomStatusArchived = "archived"
)

// RoomRow is the lobby-facing room projection cached by warmup.
type RoomRow struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Config json.RawMessage `json:"config"`
}

// Repo runs the relational queries of the state layer.
type Repo struct {
	data *Data
}

func NewRepo(data *Data) *Repo {
	return &Repo{data: data}
}

// UpsertTableState flushes one cached table record into its row: seats,
// dealer position, state version, updated-at.
func (r *Repo) UpsertTableState(ctx context.Context, rec *model.TableStateRecord) error {
	seats, err := json.Marshal(rec.Seats)
	if err != nil {
		return fmt.Errorf("encode seats: %w", err)
	}
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tx, err := r.data.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO tables (id, config, seats, dealer_pos, state_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			seats = EXCLUDED.seats,
			dealer_pos = EXCLUDED.dealer_pos,
			state_version = EXCLUDED.state_version,
			updated_at = EXCLUDED.updated_at`,
		rec.TableID, cfg, seats, rec.DealerPos, rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert table %s: %w", rec.TableID, err)
	}
	return tx.Commit(ctx)
}

// ListActiveTables loads every table whose parent room is in a non-terminal
// status, for cache warmup.
func (r *Repo) ListActiveTables(ctx context.Context) ([]*model.TableStateRecord, error) {
	rows, err := r.data.Pool.Query(ctx, `
		SELECT t.id, t.config, t.seats, t.dealer_pos, t.state_version, t.updated_at
		FROM tables t
		JOIN rooms rm ON rm.id = t.room_id
		WHERE rm.status NOT IN ($1, $2)`,
		RoomStatusClosed, RoomStatusArchived)
	if err != nil {
		return nil, fmt.Errorf("query active tables: %w", err)
	}
	defer rows.Close()

	var out []*model.TableStateRecord
	for rows.Next() {
		var (
			rec       model.TableStateRecord
			cfg, seat []byte
		)
		if err := rows.Scan(&rec.TableID, &cfg, &seat, &rec.DealerPos, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if err := json.Unmarshal(cfg, &rec.Config); err != nil {
			return nil, fmt.Errorf("decode config of %s: %w", rec.TableID, err)
		}
		if err := json.Unmarshal(seat, &rec.Seats); err != nil {
			return nil, fmt.Errorf("decode seats of %s: %w", rec.TableID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListOpenRooms returns the lobby room list in display order.
func (r *Repo) ListOpenRooms(ctx context.Context) ([]RoomRow, error) {
	rows, err := r.data.Pool.Query(ctx, `
		SELECT id, name, status, config
		FROM rooms
		WHERE status NOT IN ($1, $2)
		ORDER BY name`,
		RoomStatusClosed, RoomStatusArchived)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomRow
	for rows.Next() {
		var room RoomRow
		if err := rows.Scan(&room.ID, &room.Name, &room.Status, &room.Config); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// InsertHandHistory persists one completed hand plus its ordered action log
// in a single transaction. Events carry a monotonically increasing sequence
// number in the original append order.
func (r *Repo) InsertHandHistory(ctx context.Context, rec *model.HandStateRecord,
	actions []model.ActionRecord, winners []model.Winner) error {

	community, err := json.Marshal(rec.Community)
	if err != nil {
		return fmt.Errorf("encode community: %w", err)
	}
	wins, err := json.Marshal(winners)
	if err != nil {
		return fmt.Errorf("encode winners: %w", err)
	}

	tx, err := r.data.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO hands (id, table_id, seq_no, pot, community, winners, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.HandID, rec.TableID, rec.SeqNo, rec.Pot, community, wins, rec.StartedAt, time.Now())
	if err != nil {
		return fmt.Errorf("insert hand %s: %w", rec.HandID, err)
	}

	batch := &pgx.Batch{}
	for i, a := range actions {
		batch.Queue(`
			INSERT INTO hand_events (hand_id, seq, pos, user_id, action, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.HandID, i+1, a.Pos, a.UserID, a.Action, a.Amount, a.At)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events of hand %s: %w", rec.HandID, err)
		}
	}
	return tx.Commit(ctx)
}

// CreditBalance adds amount to the user's balance. The at-most-once guard
// lives with the caller; this is a plain additive update.
func (r *Repo) CreditBalance(ctx context.Context, userID string, amount int64) error {
	tag, err := r.data.Pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit user %s: no such user", userID)
	}
	return nil
}
