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

// Package store provides the SQLite-backed persistence layer for the
// booking broker: schema migrations, the booking job table, and the
// notification outbox.
//
// Durability contract: the DSN pins synchronous=FULL, so every committed
// write has been fsynced to the WAL before the call returns. Callers may
// acknowledge a peer as soon as a store method returns nil.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bellhop/pkg/broker"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. The parent
// directory of path is created if missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=FULL: fsync on every commit; acks ride on this
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(FULL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// booking jobs table
		`CREATE TABLE IF NOT EXISTS booking_jobs (
  correlation_id   TEXT PRIMARY KEY,
  booking_payload  BLOB NOT NULL,
  notify_payload   BLOB NOT NULL,
  state            TEXT NOT NULL CHECK (state IN ('queued','sending','confirmed','failed')),
  attempts         INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  INTEGER NOT NULL,
  last_error       TEXT NULL,
  http_status      INTEGER NULL,
  central_response TEXT NULL,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_booking_jobs_due ON booking_jobs(state, next_attempt_at);`,

		// notification outbox table
		`CREATE TABLE IF NOT EXISTS notification_outbox (
  correlation_id    TEXT PRIMARY KEY,
  email_to          TEXT NOT NULL,
  state             TEXT NOT NULL CHECK (state IN ('pending','simulated_sent','failed')),
  attempts          INTEGER NOT NULL DEFAULT 0,
  next_attempt_at   INTEGER NOT NULL,
  last_error        TEXT NULL,
  subject           TEXT NOT NULL DEFAULT '',
  body              TEXT NOT NULL DEFAULT '',
  simulated_sent_at INTEGER NULL,
  created_at        INTEGER NOT NULL,
  updated_at        INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_notification_outbox_due ON notification_outbox(state, next_attempt_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Booking jobs ---------------

// JobPatch is a partial update for a booking job. Only non-nil fields
// overwrite; updated_at is always bumped.
type JobPatch struct {
	State           *broker.JobState
	Attempts        *int
	NextAttemptAt   *int64
	LastError       *string
	HTTPStatus      *int
	CentralResponse *string
}

// CreateJobIfAbsent inserts job unless a row with the same correlation ID
// already exists. Reports whether the row was inserted; an existing row is
// left untouched either way.
func (s *Store) CreateJobIfAbsent(ctx context.Context, job broker.BookingJob) (bool, error) {
	if !job.State.Valid() {
		return false, fmt.Errorf("invalid job state: %s", job.State)
	}
	const ins = `
INSERT INTO booking_jobs (correlation_id, booking_payload, notify_payload, state, attempts, next_attempt_at, last_error, http_status, central_response, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(correlation_id) DO NOTHING;`

	// Prepare nullable fields
	var lastError, httpStatus, centralResponse any
	if job.LastError != nil {
		lastError = *job.LastError
	}
	if job.HTTPStatus != nil {
		httpStatus = *job.HTTPStatus
	}
	if job.CentralResponse != nil {
		centralResponse = *job.CentralResponse
	}

	res, err := s.db.ExecContext(ctx, ins,
		job.CorrelationID, []byte(job.BookingPayload), []byte(job.NotifyPayload), job.State.String(),
		job.Attempts, job.NextAttemptAt, lastError, httpStatus, centralResponse,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert booking job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetJob retrieves a booking job by correlation ID.
func (s *Store) GetJob(ctx context.Context, correlationID string) (*broker.BookingJob, error) {
	const q = `SELECT correlation_id, booking_payload, notify_payload, state, attempts, next_attempt_at, last_error, http_status, central_response, created_at, updated_at
FROM booking_jobs WHERE correlation_id=?`

	var row struct {
		id, state            string
		bookingPayload       []byte
		notifyPayload        []byte
		attempts             int
		nextAttemptAt        int64
		lastError            sql.NullString
		httpStatus           sql.NullInt64
		centralResponse      sql.NullString
		createdAt, updatedAt int64
	}
	err := s.db.QueryRowContext(ctx, q, correlationID).Scan(
		&row.id, &row.bookingPayload, &row.notifyPayload, &row.state, &row.attempts,
		&row.nextAttemptAt, &row.lastError, &row.httpStatus, &row.centralResponse,
		&row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking job: %w", err)
	}

	return &broker.BookingJob{
		CorrelationID:   row.id,
		BookingPayload:  row.bookingPayload,
		NotifyPayload:   row.notifyPayload,
		State:           broker.JobState(row.state),
		Attempts:        row.attempts,
		NextAttemptAt:   row.nextAttemptAt,
		LastError:       fromNullStringPtr(row.lastError),
		HTTPStatus:      fromNullIntPtr(row.httpStatus),
		CentralResponse: fromNullStringPtr(row.centralResponse),
		CreatedAt:       row.createdAt,
		UpdatedAt:       row.updatedAt,
	}, nil
}

// UpdateJob applies patch to the job with the given correlation ID.
// Returns ErrNotFound when no such job exists.
func (s *Store) UpdateJob(ctx context.Context, correlationID string, patch JobPatch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("invalid job state: %s", *patch.State)
		}
		sets = append(sets, "state=?")
		args = append(args, patch.State.String())
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts=?")
		args = append(args, *patch.Attempts)
	}
	if patch.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at=?")
		args = append(args, *patch.NextAttemptAt)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error=?")
		args = append(args, *patch.LastError)
	}
	if patch.HTTPStatus != nil {
		sets = append(sets, "http_status=?")
		args = append(args, *patch.HTTPStatus)
	}
	if patch.CentralResponse != nil {
		sets = append(sets, "central_response=?")
		args = append(args, *patch.CentralResponse)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().UnixMilli(), correlationID)

	q := fmt.Sprintf(`UPDATE booking_jobs SET %s WHERE correlation_id=?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update booking job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanDueJobs returns queued jobs whose next_attempt_at is at or before
// now, ordered by due time then correlation ID, capped at limit.
func (s *Store) ScanDueJobs(ctx context.Context, now int64, limit int) ([]broker.BookingJob, error) {
	const q = `SELECT correlation_id, booking_payload, notify_payload, state, attempts, next_attempt_at, last_error, http_status, central_response, created_at, updated_at
FROM booking_jobs WHERE state='queued' AND next_attempt_at<=? ORDER BY next_attempt_at ASC, correlation_id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}
	defer rows.Close()

	var out []broker.BookingJob
	for rows.Next() {
		var row struct {
			id, state                string
			bookingPayload           []byte
			notifyPayload            []byte
			attempts                 int
			nextAttemptAt            int64
			lastError                sql.NullString
			httpStatus               sql.NullInt64
			centralResponse          sql.NullString
			createdAt, updatedAt     int64
		}
		if err := rows.Scan(
			&row.id, &row.bookingPayload, &row.notifyPayload, &row.state, &row.attempts,
			&row.nextAttemptAt, &row.lastError, &row.httpStatus, &row.centralResponse,
			&row.createdAt, &row.updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan booking job: %w", err)
		}
		out = append(out, broker.BookingJob{
			CorrelationID:   row.id,
			BookingPayload:  row.bookingPayload,
			NotifyPayload:   row.notifyPayload,
			State:           broker.JobState(row.state),
			Attempts:        row.attempts,
			NextAttemptAt:   row.nextAttemptAt,
			LastError:       fromNullStringPtr(row.lastError),
			HTTPStatus:      fromNullIntPtr(row.httpStatus),
			CentralResponse: fromNullStringPtr(row.centralResponse),
			CreatedAt:       row.createdAt,
			UpdatedAt:       row.updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return out, nil
}

// RequeueStuckSending returns sending jobs not updated since cutoff back to
// queued. Only the optional sweeper calls this; by default a job parked in
// sending stays there.
func (s *Store) RequeueStuckSending(ctx context.Context, cutoff int64) (int64, error) {
	const upd = `UPDATE booking_jobs
SET state='queued', updated_at=?
WHERE state='sending' AND updated_at<?`
	res, err := s.db.ExecContext(ctx, upd, time.Now().UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck sending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountJobsByState returns the number of booking jobs per state.
func (s *Store) CountJobsByState(ctx context.Context) (map[broker.JobState]int, error) {
	const q = `SELECT state, COUNT(*) FROM booking_jobs GROUP BY state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[broker.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[broker.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return out, nil
}

// --------------- Notification outbox ---------------

// NotificationPatch is a partial update for a notification record. Only
// non-nil fields overwrite; updated_at is always bumped.
type NotificationPatch struct {
	State           *broker.NotificationState
	Attempts        *int
	NextAttemptAt   *int64
	LastError       *string
	Subject         *string
	Body            *string
	SimulatedSentAt *int64
}

// CreateNotificationIfAbsent inserts rec unless a record with the same
// correlation ID already exists. Reports whether the row was inserted.
func (s *Store) CreateNotificationIfAbsent(ctx context.Context, rec broker.NotificationRecord) (bool, error) {
	if !rec.State.Valid() {
		return false, fmt.Errorf("invalid notification state: %s", rec.State)
	}
	const ins = `
INSERT INTO notification_outbox (correlation_id, email_to, state, attempts, next_attempt_at, last_error, subject, body, simulated_sent_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(correlation_id) DO NOTHING;`

	var lastError, sentAt any
	if rec.LastError != nil {
		lastError = *rec.LastError
	}
	if rec.SimulatedSentAt != nil {
		sentAt = *rec.SimulatedSentAt
	}

	res, err := s.db.ExecContext(ctx, ins,
		rec.CorrelationID, rec.EmailTo, rec.State.String(), rec.Attempts, rec.NextAttemptAt,
		lastError, rec.Subject, rec.Body, sentAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetNotification retrieves a notification record by correlation ID.
func (s *Store) GetNotification(ctx context.Context, correlationID string) (*broker.NotificationRecord, error) {
	const q = `SELECT correlation_id, email_to, state, attempts, next_attempt_at, last_error, subject, body, simulated_sent_at, created_at, updated_at
FROM notification_outbox WHERE correlation_id=?`

	var row struct {
		id, emailTo, state   string
		attempts             int
		nextAttemptAt        int64
		lastError            sql.NullString
		subject, body        string
		simulatedSentAt      sql.NullInt64
		createdAt, updatedAt int64
	}
	err := s.db.QueryRowContext(ctx, q, correlationID).Scan(
		&row.id, &row.emailTo, &row.state, &row.attempts, &row.nextAttemptAt,
		&row.lastError, &row.subject, &row.body, &row.simulatedSentAt,
		&row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}

	return &broker.NotificationRecord{
		CorrelationID:   row.id,
		EmailTo:         row.emailTo,
		State:           broker.NotificationState(row.state),
		Attempts:        row.attempts,
		NextAttemptAt:   row.nextAttemptAt,
		LastError:       fromNullStringPtr(row.lastError),
		Subject:         row.subject,
		Body:            row.body,
		SimulatedSentAt: fromNullInt64Ptr(row.simulatedSentAt),
		CreatedAt:       row.createdAt,
		UpdatedAt:       row.updatedAt,
	}, nil
}

// UpdateNotification applies patch to the record with the given
// correlation ID. Returns ErrNotFound when no such record exists.
func (s *Store) UpdateNotification(ctx context.Context, correlationID string, patch NotificationPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("invalid notification state: %s", *patch.State)
		}
		sets = append(sets, "state=?")
		args = append(args, patch.State.String())
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts=?")
		args = append(args, *patch.Attempts)
	}
	if patch.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at=?")
		args = append(args, *patch.NextAttemptAt)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error=?")
		args = append(args, *patch.LastError)
	}
	if patch.Subject != nil {
		sets = append(sets, "subject=?")
		args = append(args, *patch.Subject)
	}
	if patch.Body != nil {
		sets = append(sets, "body=?")
		args = append(args, *patch.Body)
	}
	if patch.SimulatedSentAt != nil {
		sets = append(sets, "simulated_sent_at=?")
		args = append(args, *patch.SimulatedSentAt)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().UnixMilli(), correlationID)

	q := fmt.Sprintf(`UPDATE notification_outbox SET %s WHERE correlation_id=?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanDueNotifications returns pending records whose next_attempt_at is at
// or before now, ordered by due time then correlation ID, capped at limit.
func (s *Store) ScanDueNotifications(ctx context.Context, now int64, limit int) ([]broker.NotificationRecord, error) {
	const q = `SELECT correlation_id, email_to, state, attempts, next_attempt_at, last_error, subject, body, simulated_sent_at, created_at, updated_at
FROM notification_outbox WHERE state='pending' AND next_attempt_at<=? ORDER BY next_attempt_at ASC, correlation_id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due notifications: %w", err)
	}
	defer rows.Close()

	var out []broker.NotificationRecord
	for rows.Next() {
		var row struct {
			id, emailTo, state   string
			attempts             int
			nextAttemptAt        int64
			lastError            sql.NullString
			subject, body        string
			simulatedSentAt      sql.NullInt64
			createdAt, updatedAt int64
		}
		if err := rows.Scan(
			&row.id, &row.emailTo, &row.state, &row.attempts, &row.nextAttemptAt,
			&row.lastError, &row.subject, &row.body, &row.simulatedSentAt,
			&row.createdAt, &row.updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, broker.NotificationRecord{
			CorrelationID:   row.id,
			EmailTo:         row.emailTo,
			State:           broker.NotificationState(row.state),
			Attempts:        row.attempts,
			NextAttemptAt:   row.nextAttemptAt,
			LastError:       fromNullStringPtr(row.lastError),
			Subject:         row.subject,
			Body:            row.body,
			SimulatedSentAt: fromNullInt64Ptr(row.simulatedSentAt),
			CreatedAt:       row.createdAt,
			UpdatedAt:       row.updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due notifications: %w", err)
	}
	return out, nil
}

// CountNotificationsByState returns the number of outbox records per state.
func (s *Store) CountNotificationsByState(ctx context.Context) (map[broker.NotificationState]int, error) {
	const q = `SELECT state, COUNT(*) FROM notification_outbox GROUP BY state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	out := make(map[broker.NotificationState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan notification count: %w", err)
		}
		out[broker.NotificationState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification counts: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}
