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
	"fmt"
	"log"
	"time"

	"bellhop/internal/metrics"
	"bellhop/pkg/broker"
	"bellhop/pkg/wire"
)

// SubmitHandler ingests booking submissions idempotently. The insert is an
// atomic check-and-set on the correlation ID, so any number of
// retransmissions of the same submission collapse to one durable job and a
// stable ack status.
type SubmitHandler struct {
	store  SubmitStore
	logger *log.Logger
	now    func() time.Time
}

// NewSubmitHandler constructs a submit handler over st.
func NewSubmitHandler(st SubmitStore, logger *log.Logger) *SubmitHandler {
	return &SubmitHandler{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *SubmitHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf("[submit] %s", fmt.Sprintf(format, args...))
	}
}

// Submit persists one booking submission and returns the ack for it.
//
// A freshly inserted job is acked "queued"; the insert has durably
// committed before Submit returns, so a crash after the ack cannot lose
// the job. When the correlation ID already exists the stored job is left
// untouched and its current state maps to the ack status: queued|sending
// ack "queued", confirmed acks "confirmed", failed acks "failed".
//
// A non-nil error means nothing was acknowledged; the caller reports a
// transport-level failure and the client may safely retry with the same
// correlation ID.
func (h *SubmitHandler) Submit(ctx context.Context, correlationID string, booking wire.BookingData, notify wire.NotifyData) (wire.BookingAck, error) {
	if correlationID == "" {
		metrics.IncSubmission(metrics.SubmitError)
		return wire.BookingAck{}, fmt.Errorf("submit: empty correlation_id")
	}

	bookingPayload, err := json.Marshal(booking)
	if err != nil {
		metrics.IncSubmission(metrics.SubmitError)
		return wire.BookingAck{}, fmt.Errorf("submit %s: marshal booking: %w", correlationID, err)
	}
	notifyPayload, err := json.Marshal(notify)
	if err != nil {
		metrics.IncSubmission(metrics.SubmitError)
		return wire.BookingAck{}, fmt.Errorf("submit %s: marshal notify: %w", correlationID, err)
	}

	job := broker.NewBookingJob(correlationID, bookingPayload, notifyPayload, h.now())

	inserted, err := h.store.CreateJobIfAbsent(ctx, job)
	if err != nil {
		metrics.IncSubmission(metrics.SubmitError)
		return wire.BookingAck{}, fmt.Errorf("submit %s: persist job: %w", correlationID, err)
	}
	if inserted {
		h.logf("queued new booking correlation_id=%s", correlationID)
		metrics.IncSubmission(metrics.SubmitInserted)
		return wire.BookingAck{CorrelationID: correlationID, Status: wire.AckQueued}, nil
	}

	// Duplicate submission: report the stored job's current state.
	existing, err := h.store.GetJob(ctx, correlationID)
	if err != nil {
		metrics.IncSubmission(metrics.SubmitError)
		return wire.BookingAck{}, fmt.Errorf("submit %s: load existing job: %w", correlationID, err)
	}

	status := wire.AckQueued
	switch existing.State {
	case broker.JobConfirmed:
		status = wire.AckConfirmed
	case broker.JobFailed:
		status = wire.AckFailed
	}
	h.logf("duplicate submission correlation_id=%s state=%s ack=%s", correlationID, existing.State, status)
	metrics.IncSubmission(metrics.SubmitDuplicate)
	return wire.BookingAck{CorrelationID: correlationID, Status: status}, nil
}
