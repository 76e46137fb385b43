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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bellhop/pkg/broker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(t *testing.T, cid string, now time.Time) broker.BookingJob {
	t.Helper()
	bp, _ := json.Marshal(map[string]string{"date": "2026-01-15", "start_time": "10:00", "end_time": "11:00", "name": "Alice"})
	np, _ := json.Marshal(map[string]string{"email": "alice@example.com"})
	return broker.NewBookingJob(cid, bp, np, now)
}

func TestCreateJobIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := s.CreateJobIfAbsent(ctx, testJob(t, "c1", now))
	if err != nil {
		t.Fatalf("CreateJobIfAbsent() error = %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}

	// Same correlation ID with different payload must not overwrite.
	dup := testJob(t, "c1", now)
	dup.BookingPayload, _ = json.Marshal(map[string]string{"name": "Mallory"})
	inserted, err = s.CreateJobIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate CreateJobIfAbsent() error = %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported inserted")
	}

	job, err := s.GetJob(ctx, "c1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	var booking map[string]string
	if err := json.Unmarshal(job.BookingPayload, &booking); err != nil {
		t.Fatalf("unmarshal stored payload: %v", err)
	}
	if booking["name"] != "Alice" {
		t.Fatalf("stored booking name = %q, want the original Alice", booking["name"])
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobPatchSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.CreateJobIfAbsent(ctx, testJob(t, "c1", now)); err != nil {
		t.Fatalf("CreateJobIfAbsent() error = %v", err)
	}

	confirmed := broker.JobConfirmed
	status := 200
	resp := `{"id":"apt-1"}`
	if err := s.UpdateJob(ctx, "c1", JobPatch{State: &confirmed, HTTPStatus: &status, CentralResponse: &resp}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	job, err := s.GetJob(ctx, "c1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != broker.JobConfirmed {
		t.Fatalf("state = %s, want confirmed", job.State)
	}
	if job.HTTPStatus == nil || *job.HTTPStatus != 200 {
		t.Fatalf("http status = %v, want 200", job.HTTPStatus)
	}
	if job.CentralResponse == nil || *job.CentralResponse != resp {
		t.Fatalf("central response = %v, want %q", job.CentralResponse, resp)
	}
	// Untouched fields keep their values.
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d, want untouched 0", job.Attempts)
	}
	if job.UpdatedAt < job.CreatedAt {
		t.Fatalf("updated_at %d went backwards from created_at %d", job.UpdatedAt, job.CreatedAt)
	}

	if err := s.UpdateJob(ctx, "missing", JobPatch{State: &confirmed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobRejectsInvalidState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateJobIfAbsent(ctx, testJob(t, "c1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateJobIfAbsent() error = %v", err)
	}
	bogus := broker.JobState("exploded")
	if err := s.UpdateJob(ctx, "c1", JobPatch{State: &bogus}); err == nil {
		t.Fatal("UpdateJob() with invalid state succeeded, want error")
	}
}

func TestScanDueJobsOrderingAndFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Three queued jobs with staggered due times, one already confirmed,
	// one queued in the future.
	for i, cid := range []string{"c-late", "c-early", "c-mid"} {
		job := testJob(t, cid, base)
		job.NextAttemptAt = base.UnixMilli() + int64([]int{-10, -1000, -500}[i])
		if _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
			t.Fatalf("CreateJobIfAbsent(%s) error = %v", cid, err)
		}
	}
	done := testJob(t, "c-done", base)
	done.State = broker.JobConfirmed
	done.NextAttemptAt = base.UnixMilli() - 5000
	if _, err := s.CreateJobIfAbsent(ctx, done); err != nil {
		t.Fatalf("CreateJobIfAbsent(c-done) error = %v", err)
	}
	future := testJob(t, "c-future", base)
	future.NextAttemptAt = base.UnixMilli() + 60_000
	if _, err := s.CreateJobIfAbsent(ctx, future); err != nil {
		t.Fatalf("CreateJobIfAbsent(c-future) error = %v", err)
	}

	due, err := s.ScanDueJobs(ctx, base.UnixMilli(), 10)
	if err != nil {
		t.Fatalf("ScanDueJobs() error = %v", err)
	}
	got := make([]string, 0, len(due))
	for _, j := range due {
		got = append(got, j.CorrelationID)
	}
	want := []string{"c-early", "c-mid", "c-late"}
	if len(got) != len(want) {
		t.Fatalf("due jobs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("due jobs = %v, want %v", got, want)
		}
	}

	// The limit caps the batch at the earliest-due jobs.
	due, err = s.ScanDueJobs(ctx, base.UnixMilli(), 1)
	if err != nil {
		t.Fatalf("ScanDueJobs(limit=1) error = %v", err)
	}
	if len(due) != 1 || due[0].CorrelationID != "c-early" {
		t.Fatalf("limited scan = %v, want just c-early", due)
	}
}

func TestRequeueStuckSending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := testJob(t, "c1", now)
	if _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("CreateJobIfAbsent() error = %v", err)
	}
	sending := broker.JobSending
	if err := s.UpdateJob(ctx, "c1", JobPatch{State: &sending}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	// A cutoff before the update leaves the lease alone.
	n, err := s.RequeueStuckSending(ctx, now.Add(-time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("RequeueStuckSending() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d fresh job(s), want 0", n)
	}

	// A cutoff after the update reclaims it.
	n, err = s.RequeueStuckSending(ctx, time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("RequeueStuckSending() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d job(s), want 1", n)
	}
	got, err := s.GetJob(ctx, "c1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != broker.JobQueued {
		t.Fatalf("state after sweep = %s, want queued", got.State)
	}
}

func TestCountJobsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, cid := range []string{"c1", "c2"} {
		if _, err := s.CreateJobIfAbsent(ctx, testJob(t, cid, now)); err != nil {
			t.Fatalf("CreateJobIfAbsent(%s) error = %v", cid, err)
		}
	}
	failed := broker.JobFailed
	if err := s.UpdateJob(ctx, "c2", JobPatch{State: &failed}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	counts, err := s.CountJobsByState(ctx)
	if err != nil {
		t.Fatalf("CountJobsByState() error = %v", err)
	}
	if counts[broker.JobQueued] != 1 || counts[broker.JobFailed] != 1 {
		t.Fatalf("counts = %v, want 1 queued and 1 failed", counts)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := broker.NewNotificationRecord("c1", "alice@example.com", now)
	inserted, err := s.CreateNotificationIfAbsent(ctx, rec)
	if err != nil {
		t.Fatalf("CreateNotificationIfAbsent() error = %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}
	if inserted, _ = s.CreateNotificationIfAbsent(ctx, rec); inserted {
		t.Fatal("duplicate insert reported inserted")
	}

	due, err := s.ScanDueNotifications(ctx, now.UnixMilli(), 10)
	if err != nil {
		t.Fatalf("ScanDueNotifications() error = %v", err)
	}
	if len(due) != 1 || due[0].EmailTo != "alice@example.com" {
		t.Fatalf("due notifications = %v, want the pending record", due)
	}

	sent := broker.NotificationSimulatedSent
	subject := "Booking Confirmed - Alice"
	body := "Hello Alice"
	sentAt := now.UnixMilli()
	if err := s.UpdateNotification(ctx, "c1", NotificationPatch{
		State:           &sent,
		Subject:         &subject,
		Body:            &body,
		SimulatedSentAt: &sentAt,
	}); err != nil {
		t.Fatalf("UpdateNotification() error = %v", err)
	}

	got, err := s.GetNotification(ctx, "c1")
	if err != nil {
		t.Fatalf("GetNotification() error = %v", err)
	}
	if got.State != broker.NotificationSimulatedSent || got.Subject != subject || got.Body != body {
		t.Fatalf("record = %+v", got)
	}
	if got.SimulatedSentAt == nil || *got.SimulatedSentAt != sentAt {
		t.Fatalf("simulated_sent_at = %v, want %d", got.SimulatedSentAt, sentAt)
	}

	// A sent record no longer scans as due.
	due, err = s.ScanDueNotifications(ctx, time.Now().Add(time.Minute).UnixMilli(), 10)
	if err != nil {
		t.Fatalf("ScanDueNotifications() error = %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due notifications after send = %v, want none", due)
	}

	counts, err := s.CountNotificationsByState(ctx)
	if err != nil {
		t.Fatalf("CountNotificationsByState() error = %v", err)
	}
	if counts[broker.NotificationSimulatedSent] != 1 {
		t.Fatalf("counts = %v, want 1 simulated_sent", counts)
	}
}

func TestUpdateNotificationNotFound(t *testing.T) {
	s := newTestStore(t)
	sent := broker.NotificationSimulatedSent
	err := s.UpdateNotification(context.Background(), "missing", NotificationPatch{State: &sent})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateNotification(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.CreateJobIfAbsent(ctx, testJob(t, "c1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateJobIfAbsent() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	job, err := s2.GetJob(ctx, "c1")
	if err != nil {
		t.Fatalf("GetJob() after reopen error = %v", err)
	}
	if job.State != broker.JobQueued {
		t.Fatalf("state after reopen = %s, want queued", job.State)
	}
}
