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

// central-sim is a stand-in for the central booking API, useful for
// exercising a gateway locally. It accepts bookings and can be told to
// misbehave: force a status code, fail the first N requests, or add
// latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type bookingRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Name      string `json:"name"`
}

type server struct {
	forceStatus int
	failFirst   int64
	latency     time.Duration

	seen atomic.Int64
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	n := s.seen.Add(1)

	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failFirst > 0 && n <= s.failFirst {
		log.Printf("request %d: simulated outage", n)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}
	if s.forceStatus != 0 && s.forceStatus != http.StatusOK {
		log.Printf("request %d: forced status %d", n, s.forceStatus)
		writeJSON(w, s.forceStatus, map[string]string{"error": "forced failure"})
		return
	}

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Date == "" || req.StartTime == "" || req.EndTime == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "missing booking fields"})
		return
	}

	id := uuid.NewString()
	log.Printf("request %d: booked id=%s date=%s %s-%s name=%q", n, id, req.Date, req.StartTime, req.EndTime, req.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "booked",
	})
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[central-sim] ")

	var (
		addr        = flag.String("addr", "127.0.0.1:8080", "Listen address")
		forceStatus = flag.Int("force-status", 0, "Force this HTTP status on every booking (0 = behave)")
		failFirst   = flag.Int64("fail-first", 0, "Answer 503 to the first N bookings")
		latency     = flag.Duration("latency", 0, "Added latency per booking")
	)
	flag.Parse()

	s := &server{
		forceStatus: *forceStatus,
		failFirst:   *failFirst,
		latency:     *latency,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/appointments/book-range", s.handleBook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (force-status=%d fail-first=%d latency=%s)", *addr, *forceStatus, *failFirst, *latency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Printf("fatal: %v", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("stopped")
}
