// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import "fmt"

// schemaVersion is the current PRAGMA user_version. Bump it together with a
// new entry in migrations.
const schemaVersion = 1

// migrations holds the DDL for each schema step, applied in order starting
// after the stored user_version.
var migrations = [][]string{
	// v1: initial tables
	{
		`CREATE TABLE IF NOT EXISTS readings (
			local_id     TEXT PRIMARY KEY,
			remote_id    INTEGER NOT NULL DEFAULT 0,
			value        REAL NOT NULL,
			unit         TEXT NOT NULL,
			captured_at  TEXT NOT NULL,
			category     TEXT NOT NULL DEFAULT '',
			note         TEXT NOT NULL DEFAULT '',
			synced       INTEGER NOT NULL DEFAULT 0,
			local_only   INTEGER NOT NULL DEFAULT 1,
			status       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_captured_at ON readings(captured_at)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_remote_id ON readings(remote_id)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			reading_id  TEXT NOT NULL,
			remote_id   INTEGER NOT NULL DEFAULT 0,
			payload     TEXT NOT NULL DEFAULT '',
			queued_at   TEXT NOT NULL,
			retries     INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS appointments (
			id            INTEGER PRIMARY KEY,
			placement     TEXT NOT NULL DEFAULT '',
			motive        TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			scheduled_at  TEXT NOT NULL,
			resolution    TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			at      TEXT NOT NULL,
			action  TEXT NOT NULL,
			detail  TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS kv (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		)`,
	},
}

// migrate applies any pending schema steps and records the new version.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for v := current; v < schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", v+1, err)
			}
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	s.logger.Debug("schema migrated", "from", current, "to", schemaVersion)
	return nil
}
