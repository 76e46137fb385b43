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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bellhop/internal/broker/store"
	"bellhop/internal/ctxkeys"
	"bellhop/internal/metrics"
	"bellhop/pkg/broker"
	"bellhop/pkg/wire"
)

// ForwarderConfig controls the forwarder worker's behavior and timeouts.
type ForwarderConfig struct {
	// CentralAPIURL is the base URL of the central booking API. Required.
	CentralAPIURL string

	// MaxRetryAttempts is the ceiling for retried attempts; once a job's
	// attempt count exceeds it on the retry path, the job fails for good.
	MaxRetryAttempts int

	// InitialBackoffMS seeds the exponential retry delay.
	InitialBackoffMS int64

	// Tick is the scan cadence.
	Tick time.Duration

	// BatchLimit caps how many due jobs one tick processes.
	BatchLimit int

	// SweepInterval enables the stuck-sending sweeper when positive. Off
	// by default: a job stranded in sending by a crash stays parked until
	// an operator intervenes or the sweeper is turned on.
	SweepInterval time.Duration

	// SweepGrace is how long a sending job may go without an update
	// before the sweeper returns it to queued.
	SweepGrace time.Duration
}

// Forwarder drives due booking jobs through one HTTP forwarding attempt
// per scan: queued jobs move to sending, then to confirmed on a 2xx, to
// failed on any other HTTP status, or back to queued with exponential
// backoff on transport errors. Confirmation inserts the notification
// outbox record.
type Forwarder struct {
	store  ForwardStore
	client *http.Client
	cfg    ForwarderConfig
	logger *log.Logger
	now    func() time.Time
	jitter func(n int64) int64
}

// NewForwarder constructs a forwarder. The HTTP client dials with a 10 s
// connect timeout and caps the whole request at 30 s; both bounds are part
// of the forwarding contract. A missing central API URL is a configuration
// error.
func NewForwarder(st ForwardStore, cfg ForwarderConfig, logger *log.Logger) (*Forwarder, error) {
	if strings.TrimSpace(cfg.CentralAPIURL) == "" {
		return nil, fmt.Errorf("forwarder: central API URL is not configured")
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 10
	}
	if cfg.InitialBackoffMS <= 0 {
		cfg.InitialBackoffMS = 1000
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.SweepInterval > 0 && cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 5 * time.Minute
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}

	return &Forwarder{
		store:  st,
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		jitter: defaultJitter,
	}, nil
}

func (f *Forwarder) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf("[forwarder] %s", fmt.Sprintf(format, args...))
	}
}

// Run ticks until ctx is canceled. Per-job failures are logged and
// skipped; the loop itself only exits on cancellation.
func (f *Forwarder) Run(ctx context.Context) {
	f.logf("starting; tick=%s batch=%d max_retries=%d central=%s",
		f.cfg.Tick, f.cfg.BatchLimit, f.cfg.MaxRetryAttempts, f.cfg.CentralAPIURL)
	defer f.logf("stopped")

	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()

	var sweepC <-chan time.Time
	if f.cfg.SweepInterval > 0 {
		sweeper := time.NewTicker(f.cfg.SweepInterval)
		defer sweeper.Stop()
		sweepC = sweeper.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.ProcessDueJobs(ctx); err != nil {
				f.logf("tick error: %v", err)
			}
			f.refreshJobGauges(ctx)
		case <-sweepC:
			cutoff := f.now().Add(-f.cfg.SweepGrace).UnixMilli()
			n, err := f.store.RequeueStuckSending(ctx, cutoff)
			if err != nil {
				f.logf("sweep error: %v", err)
			} else if n > 0 {
				f.logf("sweep requeued %d stuck sending job(s)", n)
			}
		}
	}
}

// ProcessDueJobs runs one scan-and-forward pass. Exported so tests and
// one-shot callers can drive ticks deterministically.
func (f *Forwarder) ProcessDueJobs(ctx context.Context) error {
	jobs, err := f.store.ScanDueJobs(ctx, f.now().UnixMilli(), f.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("scan due jobs: %w", err)
	}
	for i := range jobs {
		if err := f.processJob(ctx, jobs[i]); err != nil {
			f.logf("job %s: %v", jobs[i].CorrelationID, err)
		}
	}
	return nil
}

func (f *Forwarder) processJob(ctx context.Context, job broker.BookingJob) error {
	cid := job.CorrelationID
	ctx = ctxkeys.WithCorrelationID(ctx, cid)
	f.logf("forwarding correlation_id=%s attempts=%d", cid, job.Attempts)

	// Soft lease: concurrent scans only see queued jobs.
	sending := broker.JobSending
	if err := f.store.UpdateJob(ctx, cid, store.JobPatch{State: &sending}); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	var booking wire.BookingData
	if err := json.Unmarshal(job.BookingPayload, &booking); err != nil {
		// Corrupt payload: the job parks in sending rather than burning
		// retries on data that can never be forwarded.
		return fmt.Errorf("corrupt booking payload: %w", err)
	}

	start := f.now()
	status, body, err := f.postBooking(ctx, booking)
	dur := f.now().Sub(start)

	if err != nil {
		metrics.ObserveForwardAttempt(metrics.ForwardRetry, dur)
		return f.handleRetry(ctx, cid, job.Attempts, err.Error())
	}

	if status >= 200 && status < 300 {
		metrics.ObserveForwardAttempt(metrics.ForwardConfirmed, dur)
		confirmed := broker.JobConfirmed
		if err := f.store.UpdateJob(ctx, cid, store.JobPatch{
			State:           &confirmed,
			HTTPStatus:      &status,
			CentralResponse: &body,
		}); err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		f.logf("confirmed correlation_id=%s http_status=%d", cid, status)
		if err := f.ensureNotification(ctx, cid, job.NotifyPayload); err != nil {
			// The job stays confirmed; only the email is lost.
			f.logf("job %s: notification not created: %v", cid, err)
		}
		return nil
	}

	// Server-side rejection is terminal by policy, 4xx and 5xx alike.
	metrics.ObserveForwardAttempt(metrics.ForwardRejected, dur)
	failed := broker.JobFailed
	lastErr := fmt.Sprintf("HTTP %d: %s", status, body)
	if err := f.store.UpdateJob(ctx, cid, store.JobPatch{
		State:           &failed,
		LastError:       &lastErr,
		HTTPStatus:      &status,
		CentralResponse: &body,
	}); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	f.logf("rejected correlation_id=%s http_status=%d", cid, status)
	return nil
}

// postBooking performs the HTTP call. A non-nil error means the attempt
// is retryable (dial, timeout, or body read failure); otherwise the
// returned status and body classify the outcome.
func (f *Forwarder) postBooking(ctx context.Context, booking wire.BookingData) (int, string, error) {
	payload, err := json.Marshal(map[string]string{
		"date":       booking.Date,
		"start_time": booking.StartTime,
		"end_time":   booking.EndTime,
		"name":       booking.Name,
	})
	if err != nil {
		return 0, "", fmt.Errorf("marshal request: %w", err)
	}

	url := f.cfg.CentralAPIURL + "/appointments/book-range"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// handleRetry reschedules the job with exponential backoff, or fails it
// once the attempt count exceeds the configured ceiling.
func (f *Forwarder) handleRetry(ctx context.Context, cid string, attempts int, errMsg string) error {
	newAttempts := attempts + 1

	if newAttempts > f.cfg.MaxRetryAttempts {
		metrics.ObserveForwardAttempt(metrics.ForwardExhausted, 0)
		failed := broker.JobFailed
		lastErr := fmt.Sprintf("Max retries exceeded: %s", errMsg)
		if err := f.store.UpdateJob(ctx, cid, store.JobPatch{
			State:     &failed,
			Attempts:  &newAttempts,
			LastError: &lastErr,
		}); err != nil {
			return fmt.Errorf("mark exhausted: %w", err)
		}
		f.logf("exhausted correlation_id=%s attempts=%d", cid, newAttempts)
		return nil
	}

	delayMS := backoffDelayMS(f.cfg.InitialBackoffMS, newAttempts, f.jitter)
	nextAt := f.now().UnixMilli() + delayMS

	slog.Debug("forward retry scheduled",
		"correlation_id", ctxkeys.GetCorrelationID(ctx),
		"attempts", newAttempts,
		"delay_ms", delayMS,
		"err", errMsg)

	queued := broker.JobQueued
	if err := f.store.UpdateJob(ctx, cid, store.JobPatch{
		State:         &queued,
		Attempts:      &newAttempts,
		NextAttemptAt: &nextAt,
		LastError:     &errMsg,
	}); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// ensureNotification inserts the outbox record for a freshly confirmed
// job. The notify payload must carry an email; without one there is no
// recipient and no record is created.
func (f *Forwarder) ensureNotification(ctx context.Context, cid string, notifyPayload json.RawMessage) error {
	var notify wire.NotifyData
	if err := json.Unmarshal(notifyPayload, &notify); err != nil {
		return fmt.Errorf("corrupt notify payload: %w", err)
	}
	if notify.Email == "" {
		return fmt.Errorf("missing email in notify payload")
	}

	rec := broker.NewNotificationRecord(cid, notify.Email, f.now())
	if _, err := f.store.CreateNotificationIfAbsent(ctx, rec); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}
	return nil
}

func (f *Forwarder) refreshJobGauges(ctx context.Context) {
	counts, err := f.store.CountJobsByState(ctx)
	if err != nil {
		f.logf("count jobs: %v", err)
		return
	}
	for _, state := range []broker.JobState{broker.JobQueued, broker.JobSending, broker.JobConfirmed, broker.JobFailed} {
		metrics.SetJobs(state.String(), counts[state])
	}
}
