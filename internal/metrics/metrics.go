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

// Package metrics exposes the agent's Prometheus instruments behind a
// package-level registry so workers and handlers can record observations
// without plumbing a registry handle everywhere.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	submissions     *prometheus.CounterVec
	forwardAttempts *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	jobs            *prometheus.GaugeVec
	p2pMessages     *prometheus.CounterVec
)

// Submission results.
const (
	SubmitInserted  = "inserted"
	SubmitDuplicate = "duplicate"
	SubmitError     = "error"
)

// Forwarding attempt outcomes.
const (
	ForwardConfirmed = "confirmed"
	ForwardRejected  = "rejected"
	ForwardRetry     = "retry"
	ForwardExhausted = "exhausted"
)

// Notification results.
const (
	NotifySent    = "sent"
	NotifySkipped = "skipped"
)

// P2P message directions.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests
// to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncSubmission counts one booking submission by result.
func IncSubmission(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if submissions != nil {
		submissions.WithLabelValues(sanitizeLabel(result, "unknown")).Inc()
	}
}

// ObserveForwardAttempt records one forwarding attempt and its duration.
func ObserveForwardAttempt(outcome string, duration time.Duration) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if forwardAttempts != nil {
		forwardAttempts.WithLabelValues(label).Inc()
	}
	if forwardDuration != nil {
		forwardDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncNotification counts one outbox notification by result.
func IncNotification(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if notifications != nil {
		notifications.WithLabelValues(sanitizeLabel(result, "unknown")).Inc()
	}
}

// SetJobs sets the booking-job gauge for one state.
func SetJobs(state string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobs != nil {
		jobs.WithLabelValues(sanitizeLabel(state, "unknown")).Set(float64(n))
	}
}

// IncP2PMessage counts one wire message by type and direction.
func IncP2PMessage(msgType, direction string) {
	mu.RLock()
	defer mu.RUnlock()
	if p2pMessages != nil {
		p2pMessages.WithLabelValues(sanitizeLabel(msgType, "unknown"), sanitizeLabel(direction, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	subs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bellhop",
		Subsystem: "broker",
		Name:      "submissions_total",
		Help:      "Total booking submissions grouped by result.",
	}, []string{"result"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bellhop",
		Subsystem: "broker",
		Name:      "forward_attempts_total",
		Help:      "Total forwarding attempts grouped by outcome.",
	}, []string{"outcome"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bellhop",
		Subsystem: "broker",
		Name:      "forward_duration_seconds",
		Help:      "Duration of forwarding attempts by outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	notifs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bellhop",
		Subsystem: "broker",
		Name:      "notifications_total",
		Help:      "Total outbox notifications grouped by result.",
	}, []string{"result"})

	jobGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bellhop",
		Subsystem: "broker",
		Name:      "jobs",
		Help:      "Current number of booking jobs per state.",
	}, []string{"state"})

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bellhop",
		Subsystem: "p2p",
		Name:      "messages_total",
		Help:      "Total wire messages grouped by type and direction.",
	}, []string{"type", "direction"})

	registry.MustRegister(subs, attempts, durations, notifs, jobGauge, messages)

	reg = registry
	submissions = subs
	forwardAttempts = attempts
	forwardDuration = durations
	notifications = notifs
	jobs = jobGauge
	p2pMessages = messages
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
