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
	"log/slog"
	"time"

	"bellhop/internal/broker/store"
	"bellhop/internal/metrics"
	"bellhop/pkg/broker"
	"bellhop/pkg/wire"
)

const bodyPreviewLen = 100

// NotifierConfig controls the notifier worker.
type NotifierConfig struct {
	// Tick is the outbox scan cadence.
	Tick time.Duration

	// BatchLimit caps how many pending records one tick processes.
	BatchLimit int
}

// Notifier emits one simulated confirmation email per confirmed booking.
// The sink is a structured log line; no mail service is contacted. A
// record only leaves pending after the email has been emitted, so every
// confirmed booking produces exactly one observable notification.
type Notifier struct {
	store  NotifyStore
	cfg    NotifierConfig
	logger *log.Logger
	now    func() time.Time
}

// NewNotifier constructs a notifier over st.
func NewNotifier(st NotifyStore, cfg NotifierConfig, logger *log.Logger) *Notifier {
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	return &Notifier{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf("[notifier] %s", fmt.Sprintf(format, args...))
	}
}

// Run ticks until ctx is canceled. Per-record failures are logged and
// retried on a later tick since the record stays pending.
func (n *Notifier) Run(ctx context.Context) {
	n.logf("starting; tick=%s batch=%d", n.cfg.Tick, n.cfg.BatchLimit)
	defer n.logf("stopped")

	ticker := time.NewTicker(n.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.ProcessDueNotifications(ctx); err != nil {
				n.logf("tick error: %v", err)
			}
		}
	}
}

// ProcessDueNotifications runs one outbox pass. Exported so tests can
// drive ticks deterministically.
func (n *Notifier) ProcessDueNotifications(ctx context.Context) error {
	recs, err := n.store.ScanDueNotifications(ctx, n.now().UnixMilli(), n.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("scan due notifications: %w", err)
	}
	for i := range recs {
		if err := n.processNotification(ctx, recs[i]); err != nil {
			n.logf("notification %s: %v", recs[i].CorrelationID, err)
		}
	}
	return nil
}

func (n *Notifier) processNotification(ctx context.Context, rec broker.NotificationRecord) error {
	cid := rec.CorrelationID

	job, err := n.store.GetJob(ctx, cid)
	if err != nil {
		// A record without its job is a logical error; nothing to mutate.
		metrics.IncNotification(metrics.NotifySkipped)
		return fmt.Errorf("load booking job: %w", err)
	}
	if job.State != broker.JobConfirmed {
		n.logf("skipping correlation_id=%s: job state %s, not confirmed", cid, job.State)
		metrics.IncNotification(metrics.NotifySkipped)
		return nil
	}

	subject, body := renderEmail(job)

	// The sink: one structured record per simulated email.
	slog.Info("SIMULATED_EMAIL",
		"correlation_id", cid,
		"to", rec.EmailTo,
		"subject", subject,
		"body_preview", previewBody(body))

	sent := broker.NotificationSimulatedSent
	sentAt := n.now().UnixMilli()
	if err := n.store.UpdateNotification(ctx, cid, store.NotificationPatch{
		State:           &sent,
		Subject:         &subject,
		Body:            &body,
		SimulatedSentAt: &sentAt,
	}); err != nil {
		metrics.IncNotification(metrics.NotifySkipped)
		return fmt.Errorf("mark simulated_sent: %w", err)
	}
	metrics.IncNotification(metrics.NotifySent)
	n.logf("sent correlation_id=%s to=%s", cid, rec.EmailTo)
	return nil
}

// renderEmail builds the confirmation subject and body from the stored
// booking. Missing fields render as "Unknown"; the central API's response
// body is echoed when the job captured one.
func renderEmail(job *broker.BookingJob) (subject, body string) {
	var booking wire.BookingData
	_ = json.Unmarshal(job.BookingPayload, &booking)

	name := orUnknown(booking.Name)
	date := orUnknown(booking.Date)
	startTime := orUnknown(booking.StartTime)
	endTime := orUnknown(booking.EndTime)

	responseInfo := "Booking confirmed"
	if job.CentralResponse != nil {
		responseInfo = fmt.Sprintf("Response: %s", *job.CentralResponse)
	}

	subject = fmt.Sprintf("Booking Confirmed - %s", name)
	body = fmt.Sprintf(
		"Hello %s,\n\nYour booking has been confirmed:\n\nDate: %s\nTime: %s - %s\nName: %s\n\n%s\n\nThank you!",
		name, date, startTime, endTime, name, responseInfo)
	return subject, body
}

func previewBody(body string) string {
	if len(body) > bodyPreviewLen {
		return body[:bodyPreviewLen] + "..."
	}
	return body
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
