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

// Package broker implements the gateway's durable booking pipeline: the
// idempotent submit handler, the forwarder worker that drives queued jobs
// to the central API, and the notifier worker that emits simulated
// confirmation emails from the outbox.
//
// All three components share one store handle. Every state change goes
// through the store, which commits durably before returning, so a caller
// that sees a nil error may acknowledge the peer immediately.
package broker

import (
	"context"

	"bellhop/internal/broker/store"
	"bellhop/pkg/broker"
)

// SubmitStore is the persistence surface the submit handler needs.
type SubmitStore interface {
	CreateJobIfAbsent(ctx context.Context, job broker.BookingJob) (bool, error)
	GetJob(ctx context.Context, correlationID string) (*broker.BookingJob, error)
}

// ForwardStore is the persistence surface the forwarder worker needs.
type ForwardStore interface {
	ScanDueJobs(ctx context.Context, now int64, limit int) ([]broker.BookingJob, error)
	UpdateJob(ctx context.Context, correlationID string, patch store.JobPatch) error
	CreateNotificationIfAbsent(ctx context.Context, rec broker.NotificationRecord) (bool, error)
	RequeueStuckSending(ctx context.Context, cutoff int64) (int64, error)
	CountJobsByState(ctx context.Context) (map[broker.JobState]int, error)
}

// NotifyStore is the persistence surface the notifier worker needs.
type NotifyStore interface {
	ScanDueNotifications(ctx context.Context, now int64, limit int) ([]broker.NotificationRecord, error)
	GetJob(ctx context.Context, correlationID string) (*broker.BookingJob, error)
	UpdateNotification(ctx context.Context, correlationID string, patch store.NotificationPatch) error
}
