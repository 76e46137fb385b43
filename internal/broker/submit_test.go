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
	"errors"
	"testing"

	"bellhop/internal/metrics"
	"bellhop/pkg/broker"
	"bellhop/pkg/wire"
)

type fakeSubmitStore struct {
	createFn func(ctx context.Context, job broker.BookingJob) (bool, error)
	getFn    func(ctx context.Context, correlationID string) (*broker.BookingJob, error)
}

func (f *fakeSubmitStore) CreateJobIfAbsent(ctx context.Context, job broker.BookingJob) (bool, error) {
	return f.createFn(ctx, job)
}

func (f *fakeSubmitStore) GetJob(ctx context.Context, correlationID string) (*broker.BookingJob, error) {
	return f.getFn(ctx, correlationID)
}

func testBooking() (wire.BookingData, wire.NotifyData) {
	return wire.BookingData{Date: "2026-01-15", StartTime: "10:00", EndTime: "11:00", Name: "Alice"},
		wire.NotifyData{Email: "alice@example.com"}
}

func TestSubmitNewJobAcksQueued(t *testing.T) {
	metrics.Reset()
	var created *broker.BookingJob
	st := &fakeSubmitStore{
		createFn: func(_ context.Context, job broker.BookingJob) (bool, error) {
			created = &job
			return true, nil
		},
	}
	h := NewSubmitHandler(st, nil)

	booking, notify := testBooking()
	ack, err := h.Submit(context.Background(), "c1", booking, notify)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ack.CorrelationID != "c1" || ack.Status != wire.AckQueued {
		t.Fatalf("ack = %+v, want c1/queued", ack)
	}
	if created == nil {
		t.Fatal("no job was persisted")
	}
	if created.State != broker.JobQueued || created.Attempts != 0 {
		t.Fatalf("created job = %+v, want queued with 0 attempts", created)
	}

	var gotBooking wire.BookingData
	if err := json.Unmarshal(created.BookingPayload, &gotBooking); err != nil {
		t.Fatalf("unmarshal stored booking: %v", err)
	}
	if gotBooking != booking {
		t.Fatalf("stored booking = %+v, want %+v", gotBooking, booking)
	}
}

func TestSubmitDuplicateMapsJobState(t *testing.T) {
	tests := []struct {
		state broker.JobState
		want  string
	}{
		{broker.JobQueued, wire.AckQueued},
		{broker.JobSending, wire.AckQueued},
		{broker.JobConfirmed, wire.AckConfirmed},
		{broker.JobFailed, wire.AckFailed},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			metrics.Reset()
			st := &fakeSubmitStore{
				createFn: func(context.Context, broker.BookingJob) (bool, error) {
					return false, nil
				},
				getFn: func(_ context.Context, cid string) (*broker.BookingJob, error) {
					return &broker.BookingJob{CorrelationID: cid, State: tt.state}, nil
				},
			}
			h := NewSubmitHandler(st, nil)

			booking, notify := testBooking()
			ack, err := h.Submit(context.Background(), "c1", booking, notify)
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if ack.Status != tt.want {
				t.Fatalf("duplicate ack status = %q, want %q", ack.Status, tt.want)
			}
		})
	}
}

func TestSubmitEmptyCorrelationID(t *testing.T) {
	metrics.Reset()
	h := NewSubmitHandler(&fakeSubmitStore{}, nil)
	booking, notify := testBooking()
	if _, err := h.Submit(context.Background(), "", booking, notify); err == nil {
		t.Fatal("Submit() with empty correlation_id succeeded, want error")
	}
}

func TestSubmitStoreFailurePropagates(t *testing.T) {
	metrics.Reset()
	wantErr := errors.New("disk full")
	st := &fakeSubmitStore{
		createFn: func(context.Context, broker.BookingJob) (bool, error) {
			return false, wantErr
		},
	}
	h := NewSubmitHandler(st, nil)

	booking, notify := testBooking()
	if _, err := h.Submit(context.Background(), "c1", booking, notify); !errors.Is(err, wantErr) {
		t.Fatalf("Submit() error = %v, want wrapped %v", err, wantErr)
	}
}
