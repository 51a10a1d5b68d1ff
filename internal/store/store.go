// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package store provides the durable local tables behind the sync engine:
// readings, the sync queue, appointments, an audit log and a small kv table
// for tokens and the profile blob. All multi-table writes go through WithTx
// so a reading and its queue entry can never be split by a crash.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
)

// Store wraps the SQLite handle. Write transactions are serialized through
// writeMu to avoid SQLITE_BUSY under concurrent use.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// timeFormat is the storage format for instants (always UTC). The fractional
// part is fixed-width: RFC3339Nano drops trailing zeros, which breaks the
// lexicographic comparisons the range queries rely on ('.' sorts below 'Z',
// and "00.2" sorts above "00.25").
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// writer contention on file databases.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction. Every write staged by fn
// commits together or not at all; an error from fn rolls everything back and
// surfaces unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ---- readings ----

// PutReadingTx inserts or overwrites a reading by its local ID.
func (s *Store) PutReadingTx(ctx context.Context, tx *sql.Tx, r model.Reading) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO readings (local_id, remote_id, value, unit, captured_at, category, note, synced, local_only, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			value = excluded.value,
			unit = excluded.unit,
			captured_at = excluded.captured_at,
			category = excluded.category,
			note = excluded.note,
			synced = excluded.synced,
			local_only = excluded.local_only,
			status = excluded.status
	`, r.LocalID, r.RemoteID, r.Value, string(r.Unit), r.CapturedAt.UTC().Format(timeFormat),
		r.Category, r.Note, boolInt(r.Synced), boolInt(r.LocalOnly), string(r.Status))
	if err != nil {
		return fmt.Errorf("failed to put reading %s: %w", r.LocalID, err)
	}
	return nil
}

// PutReading is the single-write convenience wrapper around PutReadingTx.
func (s *Store) PutReading(ctx context.Context, r model.Reading) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.PutReadingTx(ctx, tx, r)
	})
}

const readingColumns = `local_id, remote_id, value, unit, captured_at, category, note, synced, local_only, status`

// queryer abstracts *sql.DB and *sql.Tx so reads can run inside or outside
// a transaction. With MaxOpenConns=1 a read through the DB handle would
// deadlock against an open transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetReading returns the reading with the given local ID, or errs.ErrNotFound.
func (s *Store) GetReading(ctx context.Context, localID string) (model.Reading, error) {
	return s.getReading(ctx, s.db, localID)
}

// GetReadingTx is the transaction-aware variant of GetReading.
func (s *Store) GetReadingTx(ctx context.Context, tx *sql.Tx, localID string) (model.Reading, error) {
	return s.getReading(ctx, tx, localID)
}

func (s *Store) getReading(ctx context.Context, q queryer, localID string) (model.Reading, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE local_id = ?`, localID)
	return scanReading(row)
}

// GetReadingByRemoteID returns the reading carrying the given backend ID, or
// errs.ErrNotFound.
func (s *Store) GetReadingByRemoteID(ctx context.Context, remoteID int64) (model.Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE remote_id = ?`, remoteID)
	return scanReading(row)
}

// QueryReadings returns readings captured in [from, to], oldest first.
func (s *Store) QueryReadings(ctx context.Context, from, to time.Time) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE captured_at >= ? AND captured_at <= ?
		ORDER BY captured_at
	`, from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()
	return collectReadings(rows)
}

// ListLocalOnlyReadings returns every reading that has not been echoed back
// by the backend yet. Used by the pull path's fuzzy matcher.
func (s *Store) ListLocalOnlyReadings(ctx context.Context) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE local_only = 1 ORDER BY captured_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query local-only readings: %w", err)
	}
	defer rows.Close()
	return collectReadings(rows)
}

// DeleteReadingTx removes a reading by local ID.
func (s *Store) DeleteReadingTx(ctx context.Context, tx *sql.Tx, localID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete reading %s: %w", localID, err)
	}
	return nil
}

func collectReadings(rows *sql.Rows) ([]model.Reading, error) {
	var out []model.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating readings: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (model.Reading, error) {
	var r model.Reading
	var unit, status, capturedAt string
	var synced, localOnly int
	err := row.Scan(&r.LocalID, &r.RemoteID, &r.Value, &unit, &capturedAt,
		&r.Category, &r.Note, &synced, &localOnly, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reading{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Reading{}, fmt.Errorf("failed to scan reading: %w", err)
	}
	t, err := time.Parse(timeFormat, capturedAt)
	if err != nil {
		return model.Reading{}, fmt.Errorf("failed to parse stored captured_at %q: %w", capturedAt, err)
	}
	r.Unit = model.Unit(unit)
	r.Status = model.ClinicalStatus(status)
	r.CapturedAt = t
	r.Synced = synced != 0
	r.LocalOnly = localOnly != 0
	return r, nil
}

// ---- sync queue ----

// EnqueueTx appends a pending mutation. Callers pair it with the reading
// write in the same transaction.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, e model.SyncQueueEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (op, reading_id, remote_id, payload, queued_at, retries)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.Op), e.ReadingID, e.RemoteID, e.Payload, e.QueuedAt.UTC().Format(timeFormat), e.Retries)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s for %s: %w", e.Op, e.ReadingID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return id, nil
}

// PendingEntries returns the full queue in enqueue order.
func (s *Store) PendingEntries(ctx context.Context) ([]model.SyncQueueEntry, error) {
	return s.pendingEntries(ctx, s.db)
}

// PendingEntriesTx is the transaction-aware variant of PendingEntries.
func (s *Store) PendingEntriesTx(ctx context.Context, tx *sql.Tx) ([]model.SyncQueueEntry, error) {
	return s.pendingEntries(ctx, tx)
}

func (s *Store) pendingEntries(ctx context.Context, q queryer) ([]model.SyncQueueEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, op, reading_id, remote_id, payload, queued_at, retries
		FROM sync_queue ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var out []model.SyncQueueEntry
	for rows.Next() {
		var e model.SyncQueueEntry
		var op, queuedAt string
		if err := rows.Scan(&e.ID, &op, &e.ReadingID, &e.RemoteID, &e.Payload, &queuedAt, &e.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		t, err := time.Parse(timeFormat, queuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored queued_at %q: %w", queuedAt, err)
		}
		e.Op = model.QueueOp(op)
		e.QueuedAt = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return out, nil
}

// DequeueTx removes a queue entry after confirmed remote success.
func (s *Store) DequeueTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to dequeue entry %d: %w", id, err)
	}
	return nil
}

// BumpRetry increments the retry counter of a queue entry, leaving it queued
// for the next sync cycle.
func (s *Store) BumpRetry(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to bump retries for entry %d: %w", id, err)
		}
		return nil
	})
}

// ---- appointments ----

// PutAppointmentTx inserts or overwrites an appointment by backend ID.
func (s *Store) PutAppointmentTx(ctx context.Context, tx *sql.Tx, a model.Appointment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO appointments (id, placement, motive, status, scheduled_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			placement = excluded.placement,
			motive = excluded.motive,
			status = excluded.status,
			scheduled_at = excluded.scheduled_at,
			resolution = excluded.resolution
	`, a.ID, a.Placement, a.Motive, string(a.Status), a.ScheduledAt.UTC().Format(timeFormat), a.Resolution)
	if err != nil {
		return fmt.Errorf("failed to put appointment %d: %w", a.ID, err)
	}
	return nil
}

// ListAppointments returns the cached appointments, soonest first.
func (s *Store) ListAppointments(ctx context.Context) ([]model.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, placement, motive, status, scheduled_at, resolution
		FROM appointments ORDER BY scheduled_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		var a model.Appointment
		var status, scheduledAt string
		if err := rows.Scan(&a.ID, &a.Placement, &a.Motive, &status, &scheduledAt, &a.Resolution); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		t, err := time.Parse(timeFormat, scheduledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored scheduled_at %q: %w", scheduledAt, err)
		}
		a.Status = model.AppointmentStatus(status)
		a.ScheduledAt = t
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appointments: %w", err)
	}
	return out, nil
}

// ---- audit log ----

// AppendAuditTx records an audit row in the caller's transaction.
func (s *Store) AppendAuditTx(ctx context.Context, tx *sql.Tx, action, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (at, action, detail) VALUES (?, ?, ?)
	`, time.Now().UTC().Format(timeFormat), action, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", action, err)
	}
	return nil
}

// AppendAudit records an audit row outside of any larger transaction.
func (s *Store) AppendAudit(ctx context.Context, action, detail string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AppendAuditTx(ctx, tx, action, detail)
	})
}

// ListAudit returns the newest n audit entries.
func (s *Store) ListAudit(ctx context.Context, n int) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, action, detail FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Action, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		t, err := time.Parse(timeFormat, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored audit time %q: %w", at, err)
		}
		e.At = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return out, nil
}

// ---- kv ----

// PutKV stores a value under a fixed key (tokens, profile blob).
func (s *Store) PutKV(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.PutKVTx(ctx, tx, key, value)
	})
}

// PutKVTx stores a value under a fixed key inside the caller's transaction.
func (s *Store) PutKVTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to put kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns the value under key, or errs.ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get kv %s: %w", key, err)
	}
	return v, nil
}

// DeleteKVTx removes keys inside the caller's transaction. Missing keys are
// not an error.
func (s *Store) DeleteKVTx(ctx context.Context, tx *sql.Tx, keys ...string) error {
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete kv %s: %w", key, err)
		}
	}
	return nil
}

// ---- wipe ----

// ClearAll wipes every table in one transaction. Used on logout and explicit
// data reset; all-or-nothing.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"readings", "sync_queue", "appointments", "audit_log", "kv"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear table %s: %w", table, err)
			}
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
