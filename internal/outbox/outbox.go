// Bellhop is a peer-to-peer booking relay agent.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package outbox is the client-side durable op queue. Ops are persisted
// locally before the overlay ever sees them, so a client restart or a
// missing gateway never loses a submission; the pump loop drains pending
// ops whenever a gateway is reachable.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bellhop/pkg/wire"
)

// Op statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
)

// Op kinds.
const (
	KindSubmitBooking = "SubmitBooking"
	KindUpsertNote    = "UpsertNote"
)

// ErrNotFound indicates no op matched the query.
var ErrNotFound = errors.New("not found")

// Op is one durably queued client operation.
type Op struct {
	OpID        string
	ActorID     string
	Kind        string
	Entity      string
	PayloadJSON string
	CreatedAtMS int64
	Status      string
	LastError   *string
}

// NewBookingOp wraps a booking submission as a pending op. The op ID
// doubles as the booking's correlation ID when none is given.
func NewBookingOp(actorID string, sub wire.SubmitBooking) (Op, error) {
	if sub.CorrelationID == "" {
		sub.CorrelationID = uuid.NewString()
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return Op{}, fmt.Errorf("marshal booking op: %w", err)
	}
	return Op{
		OpID:        sub.CorrelationID,
		ActorID:     actorID,
		Kind:        KindSubmitBooking,
		Entity:      "booking",
		PayloadJSON: string(payload),
		CreatedAtMS: time.Now().UnixMilli(),
		Status:      StatusPending,
	}, nil
}

// NewDemoOp builds a throwaway UpsertNote op for exercising the pump.
func NewDemoOp(actorID string) Op {
	now := time.Now().UnixMilli()
	payload, _ := json.Marshal(map[string]any{
		"note_id":       uuid.NewString(),
		"title":         "Hello",
		"body":          "Demo note",
		"updated_at_ms": now,
	})
	return Op{
		OpID:        uuid.NewString(),
		ActorID:     actorID,
		Kind:        KindUpsertNote,
		Entity:      "note",
		PayloadJSON: string(payload),
		CreatedAtMS: now,
		Status:      StatusPending,
	}
}

// Store is the SQLite-backed op outbox.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the outbox database at path. The parent
// directory is created if missing. Writes commit with synchronous=FULL so
// an enqueued op survives a crash.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ops (
  op_id         TEXT PRIMARY KEY,
  actor_id      TEXT NOT NULL,
  kind          TEXT NOT NULL,
  entity        TEXT NOT NULL,
  payload_json  TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('pending','sent','acked','failed')),
  last_error    TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_status ON ops(status);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_created_at ON ops(created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// Enqueue inserts op with its given status (pending for new work).
// Re-enqueueing an existing op ID leaves the stored row untouched and
// reports false, so retransmitted ops collapse to one record.
func (s *Store) Enqueue(ctx context.Context, op Op) (bool, error) {
	if op.Status == "" {
		op.Status = StatusPending
	}
	const ins = `
INSERT INTO ops (op_id, actor_id, kind, entity, payload_json, created_at_ms, status, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(op_id) DO NOTHING;`
	var lastErr any
	if op.LastError != nil {
		lastErr = *op.LastError
	}
	res, err := s.db.ExecContext(ctx, ins,
		op.OpID, op.ActorID, op.Kind, op.Entity, op.PayloadJSON, op.CreatedAtMS, op.Status, lastErr)
	if err != nil {
		return false, fmt.Errorf("enqueue op: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListPending returns up to limit pending ops, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Op, error) {
	const q = `SELECT op_id, actor_id, kind, entity, payload_json, created_at_ms, status, last_error
FROM ops WHERE status='pending' ORDER BY created_at_ms ASC, op_id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending ops: %w", err)
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		var op Op
		var lastErr sql.NullString
		if err := rows.Scan(&op.OpID, &op.ActorID, &op.Kind, &op.Entity, &op.PayloadJSON, &op.CreatedAtMS, &op.Status, &lastErr); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		if lastErr.Valid {
			v := lastErr.String
			op.LastError = &v
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ops: %w", err)
	}
	return out, nil
}

// MarkSent transitions an op to sent.
func (s *Store) MarkSent(ctx context.Context, opID string) error {
	return s.setStatus(ctx, opID, StatusSent, nil)
}

// MarkAcked transitions an op to acked.
func (s *Store) MarkAcked(ctx context.Context, opID string) error {
	return s.setStatus(ctx, opID, StatusAcked, nil)
}

// MarkFailed transitions an op to failed, recording the reason.
func (s *Store) MarkFailed(ctx context.Context, opID, reason string) error {
	return s.setStatus(ctx, opID, StatusFailed, &reason)
}

func (s *Store) setStatus(ctx context.Context, opID, status string, lastErr *string) error {
	const upd = `UPDATE ops SET status=?, last_error=COALESCE(?, last_error) WHERE op_id=?`
	var le any
	if lastErr != nil {
		le = *lastErr
	}
	res, err := s.db.ExecContext(ctx, upd, status, le, opID)
	if err != nil {
		return fmt.Errorf("update op status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of ops per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	const q = `SELECT status, COUNT(*) FROM ops GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count ops: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan op count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate op counts: %w", err)
	}
	return out, nil
}
