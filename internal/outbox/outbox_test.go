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

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"bellhop/pkg/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewBookingOp(t *testing.T) {
	sub := wire.SubmitBooking{
		CorrelationID: "c1",
		Booking:       wire.BookingData{Date: "2026-01-15", StartTime: "10:00", EndTime: "11:00", Name: "Alice"},
		Notify:        wire.NotifyData{Email: "alice@example.com"},
	}
	op, err := NewBookingOp("actor-1", sub)
	if err != nil {
		t.Fatalf("NewBookingOp() error = %v", err)
	}
	if op.OpID != "c1" {
		t.Fatalf("op ID = %q, want the correlation ID c1", op.OpID)
	}
	if op.Kind != KindSubmitBooking || op.Entity != "booking" || op.Status != StatusPending {
		t.Fatalf("op = %+v", op)
	}

	var got wire.SubmitBooking
	if err := json.Unmarshal([]byte(op.PayloadJSON), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != sub {
		t.Fatalf("payload round-trip = %+v, want %+v", got, sub)
	}
}

func TestNewBookingOpGeneratesCorrelationID(t *testing.T) {
	op, err := NewBookingOp("actor-1", wire.SubmitBooking{})
	if err != nil {
		t.Fatalf("NewBookingOp() error = %v", err)
	}
	if op.OpID == "" {
		t.Fatal("op ID was not generated")
	}
	var got wire.SubmitBooking
	if err := json.Unmarshal([]byte(op.PayloadJSON), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.CorrelationID != op.OpID {
		t.Fatalf("payload correlation ID %q != op ID %q", got.CorrelationID, op.OpID)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := NewDemoOp("actor-1")
	inserted, err := s.Enqueue(ctx, op)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !inserted {
		t.Fatal("first enqueue reported not inserted")
	}

	// Retransmission of the same op ID leaves the stored row alone.
	dup := op
	dup.PayloadJSON = `{"tampered":true}`
	inserted, err = s.Enqueue(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate Enqueue() error = %v", err)
	}
	if inserted {
		t.Fatal("duplicate enqueue reported inserted")
	}

	pending, err := s.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending op(s), want 1", len(pending))
	}
	if pending[0].PayloadJSON != op.PayloadJSON {
		t.Fatal("duplicate enqueue overwrote the stored payload")
	}
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"op-b", "op-a", "op-c"} {
		op := NewDemoOp("actor-1")
		op.OpID = id
		op.CreatedAtMS = int64(100 + i)
		if _, err := s.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	pending, err := s.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	want := []string{"op-b", "op-a", "op-c"}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending op(s), want %d", len(pending), len(want))
	}
	for i := range want {
		if pending[i].OpID != want[i] {
			t.Fatalf("pending[%d] = %s, want %s", i, pending[i].OpID, want[i])
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := NewDemoOp("actor-1")
	if _, err := s.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.MarkSent(ctx, op.OpID); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	pending, err := s.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("sent op still listed as pending: %v", pending)
	}

	if err := s.MarkAcked(ctx, op.OpID); err != nil {
		t.Fatalf("MarkAcked() error = %v", err)
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[StatusAcked] != 1 {
		t.Fatalf("counts = %v, want 1 acked", counts)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := NewDemoOp("actor-1")
	if _, err := s.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.MarkFailed(ctx, op.OpID, "gateway said no"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[StatusFailed] != 1 {
		t.Fatalf("counts = %v, want 1 failed", counts)
	}
}

func TestMarkNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkAcked(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkAcked(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsPendingOps(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	op := NewDemoOp("actor-1")
	if _, err := s.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	pending, err := s2.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() after reopen error = %v", err)
	}
	if len(pending) != 1 || pending[0].OpID != op.OpID {
		t.Fatalf("pending after reopen = %v, want the enqueued op", pending)
	}
}
