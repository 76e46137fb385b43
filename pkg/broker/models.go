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

// Package broker contains the shared data models for the booking broker:
// the durable booking job, the notification outbox record, and their state
// machines. Timestamps are Unix milliseconds so records round-trip through
// storage and the wire without timezone ambiguity.
package broker

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a BookingJob.
type JobState string

const (
	// JobQueued means the job is waiting for a forwarding attempt.
	JobQueued JobState = "queued"
	// JobSending means a forwarding attempt is in flight. Jobs are not
	// scanned out of this state; a crash mid-attempt leaves the job here
	// until the sweeper (if enabled) returns it to queued.
	JobSending JobState = "sending"
	// JobConfirmed means the central API accepted the booking. Terminal.
	JobConfirmed JobState = "confirmed"
	// JobFailed means the job will never be forwarded again, either
	// because the central API rejected it or retries ran out. Terminal.
	JobFailed JobState = "failed"
)

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobSending, JobConfirmed, JobFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the forwarder is done with a job in state s.
func (s JobState) IsTerminal() bool {
	return s == JobConfirmed || s == JobFailed
}

func (s JobState) String() string { return string(s) }

// NotificationState is the lifecycle state of a NotificationRecord.
type NotificationState string

const (
	// NotificationPending means the confirmation email has not been
	// emitted yet.
	NotificationPending NotificationState = "pending"
	// NotificationSimulatedSent means the notifier emitted the simulated
	// email. Terminal.
	NotificationSimulatedSent NotificationState = "simulated_sent"
	// NotificationFailed is reserved for permanently undeliverable
	// records. The notifier never enters it today.
	NotificationFailed NotificationState = "failed"
)

// Valid reports whether s is a known notification state.
func (s NotificationState) Valid() bool {
	switch s {
	case NotificationPending, NotificationSimulatedSent, NotificationFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the notifier is done with a record in state s.
func (s NotificationState) IsTerminal() bool {
	return s == NotificationSimulatedSent || s == NotificationFailed
}

func (s NotificationState) String() string { return string(s) }

// BookingJob is one durably queued booking submission. The correlation ID
// is the primary identity and the idempotency key: submitting the same ID
// twice never creates a second row.
//
// Both payloads are stored verbatim as received so a forwarding attempt
// after a restart replays exactly what the client sent.
type BookingJob struct {
	CorrelationID   string          `json:"correlation_id" db:"correlation_id"`
	BookingPayload  json.RawMessage `json:"booking_payload" db:"booking_payload"`
	NotifyPayload   json.RawMessage `json:"notify_payload" db:"notify_payload"`
	State           JobState        `json:"state" db:"state"`
	Attempts        int             `json:"attempts" db:"attempts"`
	NextAttemptAt   int64           `json:"next_attempt_at" db:"next_attempt_at"`
	LastError       *string         `json:"last_error,omitempty" db:"last_error"`
	HTTPStatus      *int            `json:"http_status,omitempty" db:"http_status"`
	CentralResponse *string         `json:"central_response,omitempty" db:"central_response"`
	CreatedAt       int64           `json:"created_at" db:"created_at"`
	UpdatedAt       int64           `json:"updated_at" db:"updated_at"`
}

// NotificationRecord is the outbox entry for one confirmed booking's email.
// At most one exists per correlation ID, created only after the job reached
// confirmed. Subject and body stay blank until the notifier renders them at
// send time.
type NotificationRecord struct {
	CorrelationID   string            `json:"correlation_id" db:"correlation_id"`
	EmailTo         string            `json:"email_to" db:"email_to"`
	State           NotificationState `json:"state" db:"state"`
	Attempts        int               `json:"attempts" db:"attempts"`
	NextAttemptAt   int64             `json:"next_attempt_at" db:"next_attempt_at"`
	LastError       *string           `json:"last_error,omitempty" db:"last_error"`
	Subject         string            `json:"subject" db:"subject"`
	Body            string            `json:"body" db:"body"`
	SimulatedSentAt *int64            `json:"simulated_sent_at,omitempty" db:"simulated_sent_at"`
	CreatedAt       int64             `json:"created_at" db:"created_at"`
	UpdatedAt       int64             `json:"updated_at" db:"updated_at"`
}

// NewBookingJob returns a queued job due immediately. Payloads are kept
// as-is; callers validate before constructing.
func NewBookingJob(correlationID string, bookingPayload, notifyPayload json.RawMessage, now time.Time) BookingJob {
	ms := now.UnixMilli()
	return BookingJob{
		CorrelationID:  correlationID,
		BookingPayload: bookingPayload,
		NotifyPayload:  notifyPayload,
		State:          JobQueued,
		Attempts:       0,
		NextAttemptAt:  ms,
		CreatedAt:      ms,
		UpdatedAt:      ms,
	}
}

// NewNotificationRecord returns a pending record due immediately.
func NewNotificationRecord(correlationID, emailTo string, now time.Time) NotificationRecord {
	ms := now.UnixMilli()
	return NotificationRecord{
		CorrelationID: correlationID,
		EmailTo:       emailTo,
		State:         NotificationPending,
		Attempts:      0,
		NextAttemptAt: ms,
		CreatedAt:     ms,
		UpdatedAt:     ms,
	}
}
