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

// Package statusapi serves the local observability endpoints: agent
// status, the network snapshot, broker counters, Prometheus metrics, and
// health probes. It binds loopback and never carries booking traffic.
package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"bellhop/internal/metrics"
	"bellhop/internal/middleware"
	"bellhop/internal/p2p"
	"bellhop/pkg/auth"
	"bellhop/pkg/broker"
)

// BrokerCounts is the store surface the /broker endpoint reads.
type BrokerCounts interface {
	CountJobsByState(ctx context.Context) (map[broker.JobState]int, error)
	CountNotificationsByState(ctx context.Context) (map[broker.NotificationState]int, error)
}

// Config controls the status server.
type Config struct {
	Addr   string
	Role   string
	PeerID string

	// AuthHash, when set, is a bcrypt hash; all endpoints except
	// /healthz then require HTTP basic auth as admin:{password}.
	AuthHash string

	Logger *log.Logger
}

// Server is the local status HTTP server.
type Server struct {
	cfg      Config
	snapshot func() p2p.Snapshot
	counts   BrokerCounts // nil on client nodes
	limiter  *middleware.RateLimiter
}

// New constructs the server. counts is nil on client nodes; /broker then
// answers 404.
func New(cfg Config, snapshot func() p2p.Snapshot, counts BrokerCounts) *Server {
	return &Server{
		cfg:      cfg,
		snapshot: snapshot,
		counts:   counts,
		limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{Logger: cfg.Logger}),
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf("[status] %s", fmt.Sprintf(format, args...))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler builds the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", s.requireAuth(s.handleReady))
	mux.HandleFunc("/status", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "active",
			"role":    s.cfg.Role,
			"peer_id": s.cfg.PeerID,
		})
	}))
	mux.HandleFunc("/network", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.snapshot())
	}))
	mux.HandleFunc("/broker", s.requireAuth(s.handleBroker))
	mux.Handle("/metrics", s.requireAuthHandler(metrics.Handler()))

	return middleware.SecurityHeaders(s.limiter.Middleware(mux))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.counts != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.counts.CountJobsByState(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	if s.counts == nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	jobs, err := s.counts.CountJobsByState(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "count jobs failed"})
		return
	}
	notifs, err := s.counts.CountNotificationsByState(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "count notifications failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":          jobs,
		"notifications": notifs,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte("admin")) == 1 &&
		auth.VerifyPassword(pass, s.cfg.AuthHash) == nil
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="bellhop"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAuthHandler(next http.Handler) http.Handler {
	return s.requireAuth(next.ServeHTTP)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logf("listening on %s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.limiter.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logf("stopped")
	return nil
}
