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

package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"bellhop/internal/broker/store"
	"bellhop/internal/metrics"
	"bellhop/pkg/broker"
)

type fakeNotifyStore struct {
	mu      sync.Mutex
	jobs    map[string]*broker.BookingJob
	recs    map[string]*broker.NotificationRecord
	patches map[string]store.NotificationPatch
}

func newFakeNotifyStore() *fakeNotifyStore {
	return &fakeNotifyStore{
		jobs:    make(map[string]*broker.BookingJob),
		recs:    make(map[string]*broker.NotificationRecord),
		patches: make(map[string]store.NotificationPatch),
	}
}

func (f *fakeNotifyStore) addJob(job broker.BookingJob) {
	j := job
	f.jobs[job.CorrelationID] = &j
}

func (f *fakeNotifyStore) addRec(rec broker.NotificationRecord) {
	r := rec
	f.recs[rec.CorrelationID] = &r
}

func (f *fakeNotifyStore) ScanDueNotifications(_ context.Context, now int64, limit int) ([]broker.NotificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.NotificationRecord
	for _, r := range f.recs {
		if r.State == broker.NotificationPending && r.NextAttemptAt <= now && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeNotifyStore) GetJob(_ context.Context, cid string) (*broker.BookingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[cid]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *j
	return &out, nil
}

func (f *fakeNotifyStore) UpdateNotification(_ context.Context, cid string, patch store.NotificationPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[cid]
	if !ok {
		return store.ErrNotFound
	}
	f.patches[cid] = patch
	if patch.State != nil {
		r.State = *patch.State
	}
	return nil
}

func confirmedJob(t *testing.T, cid, response string) broker.BookingJob {
	t.Helper()
	job := queuedJob(t, cid)
	job.State = broker.JobConfirmed
	if response != "" {
		job.CentralResponse = &response
	}
	return job
}

func TestNotifierSendsForConfirmedJob(t *testing.T) {
	metrics.Reset()
	st := newFakeNotifyStore()
	st.addJob(confirmedJob(t, "c1", `{"id":"apt-1"}`))
	st.addRec(broker.NewNotificationRecord("c1", "alice@example.com", time.Now().UTC()))

	n := NewNotifier(st, NotifierConfig{}, nil)
	if err := n.ProcessDueNotifications(context.Background()); err != nil {
		t.Fatalf("ProcessDueNotifications() error = %v", err)
	}

	patch, ok := st.patches["c1"]
	if !ok {
		t.Fatal("notification was not updated")
	}
	if patch.State == nil || *patch.State != broker.NotificationSimulatedSent {
		t.Fatalf("patched state = %v, want simulated_sent", patch.State)
	}
	if patch.SimulatedSentAt == nil {
		t.Fatal("simulated_sent_at not set")
	}
	if patch.Subject == nil || *patch.Subject != "Booking Confirmed - Alice" {
		t.Fatalf("subject = %v, want Booking Confirmed - Alice", patch.Subject)
	}
	body := *patch.Body
	for _, want := range []string{
		"Hello Alice,",
		"Date: 2026-01-15",
		"Time: 10:00 - 11:00",
		`Response: {"id":"apt-1"}`,
		"Thank you!",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestNotifierBodyWithoutCentralResponse(t *testing.T) {
	metrics.Reset()
	st := newFakeNotifyStore()
	st.addJob(confirmedJob(t, "c1", ""))
	st.addRec(broker.NewNotificationRecord("c1", "alice@example.com", time.Now().UTC()))

	n := NewNotifier(st, NotifierConfig{}, nil)
	if err := n.ProcessDueNotifications(context.Background()); err != nil {
		t.Fatalf("ProcessDueNotifications() error = %v", err)
	}
	if body := *st.patches["c1"].Body; !strings.Contains(body, "Booking confirmed") {
		t.Fatalf("body missing fallback response line:\n%s", body)
	}
}

func TestNotifierRendersUnknownForMissingFields(t *testing.T) {
	metrics.Reset()
	st := newFakeNotifyStore()
	job := confirmedJob(t, "c1", "")
	job.BookingPayload, _ = json.Marshal(map[string]string{"date": "2026-01-15"})
	st.addJob(job)
	st.addRec(broker.NewNotificationRecord("c1", "alice@example.com", time.Now().UTC()))

	n := NewNotifier(st, NotifierConfig{}, nil)
	if err := n.ProcessDueNotifications(context.Background()); err != nil {
		t.Fatalf("ProcessDueNotifications() error = %v", err)
	}
	patch := st.patches["c1"]
	if *patch.Subject != "Booking Confirmed - Unknown" {
		t.Fatalf("subject = %q, want Booking Confirmed - Unknown", *patch.Subject)
	}
	if !strings.Contains(*patch.Body, "Time: Unknown - Unknown") {
		t.Fatalf("body missing Unknown times:\n%s", *patch.Body)
	}
}

func TestNotifierSkipsUnconfirmedJob(t *testing.T) {
	metrics.Reset()
	st := newFakeNotifyStore()
	st.addJob(queuedJob(t, "c1"))
	st.addRec(broker.NewNotificationRecord("c1", "alice@example.com", time.Now().UTC()))

	n := NewNotifier(st, NotifierConfig{}, nil)
	if err := n.ProcessDueNotifications(context.Background()); err != nil {
		t.Fatalf("ProcessDueNotifications() error = %v", err)
	}
	if _, patched := st.patches["c1"]; patched {
		t.Fatal("record for an unconfirmed job was updated")
	}
	if got := st.recs["c1"].State; got != broker.NotificationPending {
		t.Fatalf("record state = %s, want pending", got)
	}
}

func TestNotifierSkipsOrphanRecord(t *testing.T) {
	metrics.Reset()
	st := newFakeNotifyStore()
	st.addRec(broker.NewNotificationRecord("ghost", "alice@example.com", time.Now().UTC()))

	n := NewNotifier(st, NotifierConfig{}, nil)
	if err := n.ProcessDueNotifications(context.Background()); err != nil {
		t.Fatalf("ProcessDueNotifications() error = %v", err)
	}
	if _, patched := st.patches["ghost"]; patched {
		t.Fatal("orphan record was updated")
	}
}

func TestPreviewBodyTruncation(t *testing.T) {
	short := strings.Repeat("a", bodyPreviewLen)
	if got := previewBody(short); got != short {
		t.Fatalf("short body was altered: %q", got)
	}
	long := strings.Repeat("b", bodyPreviewLen+50)
	got := previewBody(long)
	if len(got) != bodyPreviewLen+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("long body preview = %d bytes %q...", len(got), got[:10])
	}
}
