// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package service is the thin coordination layer between a caller's intent
// and the lower layers: each mutation becomes one store transaction (record
// plus queue entry together) followed by an opportunistic sync trigger when
// connectivity is present. Statistics are pure derived views over a range
// query, recomputed on every call.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/diasync/internal/convert"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// Readings coordinates glucose reading mutations. Every mutation writes the
// reading and its queue entry in one transaction; the trigger, when set,
// fires afterwards in the background.
type Readings struct {
	store   *store.Store
	trigger func(ctx context.Context)
	logger  *slog.Logger
}

// NewReadings creates the readings service. trigger is the opportunistic
// sync kick; nil disables it (tests, explicit-sync-only setups).
func NewReadings(st *store.Store, trigger func(ctx context.Context), logger *slog.Logger) *Readings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Readings{store: st, trigger: trigger, logger: logger}
}

// Add records a new reading locally and queues its remote create.
func (s *Readings) Add(ctx context.Context, value float64, unit model.Unit,
	capturedAt time.Time, category, note string) (model.Reading, error) {
	if err := validateReading(value, unit); err != nil {
		return model.Reading{}, err
	}

	r := model.Reading{
		LocalID:    uuid.NewString(),
		Value:      value,
		Unit:       unit,
		CapturedAt: capturedAt.UTC(),
		Category:   category,
		Note:       note,
		LocalOnly:  true,
		Status:     convert.ClinicalStatus(value, unit),
	}
	payload, err := json.Marshal(convert.ToRemoteParams(r))
	if err != nil {
		return model.Reading{}, fmt.Errorf("failed to marshal reading payload: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.PutReadingTx(ctx, tx, r); err != nil {
			return err
		}
		if _, err := s.store.EnqueueTx(ctx, tx, model.SyncQueueEntry{
			Op:        model.OpCreate,
			ReadingID: r.LocalID,
			Payload:   string(payload),
			QueuedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
		return s.store.AppendAuditTx(ctx, tx, "reading.create", r.LocalID)
	})
	if err != nil {
		return model.Reading{}, err
	}

	s.kickSync()
	return r, nil
}

// Update changes an existing reading. A synced reading gets an update entry
// targeting its remote ID; a still-local-only reading gets its pending create
// re-queued with the fresh payload so the stale one never reaches the wire.
func (s *Readings) Update(ctx context.Context, localID string, value float64,
	unit model.Unit, capturedAt time.Time, category, note string) (model.Reading, error) {
	if err := validateReading(value, unit); err != nil {
		return model.Reading{}, err
	}

	r, err := s.store.GetReading(ctx, localID)
	if err != nil {
		return model.Reading{}, err
	}
	r.Value = value
	r.Unit = unit
	r.CapturedAt = capturedAt.UTC()
	r.Category = category
	r.Note = note
	r.Status = convert.ClinicalStatus(value, unit)
	r.Synced = false

	payload, err := json.Marshal(convert.ToRemoteParams(r))
	if err != nil {
		return model.Reading{}, fmt.Errorf("failed to marshal reading payload: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.PutReadingTx(ctx, tx, r); err != nil {
			return err
		}
		entry := model.SyncQueueEntry{
			ReadingID: r.LocalID,
			Payload:   string(payload),
			QueuedAt:  time.Now().UTC(),
		}
		if r.RemoteID != 0 {
			entry.Op = model.OpUpdate
			entry.RemoteID = r.RemoteID
		} else {
			entry.Op = model.OpCreate
			if err := s.dropEntriesTx(ctx, tx, r.LocalID, model.OpCreate); err != nil {
				return err
			}
		}
		if _, err := s.store.EnqueueTx(ctx, tx, entry); err != nil {
			return err
		}
		return s.store.AppendAuditTx(ctx, tx, "reading.update", r.LocalID)
	})
	if err != nil {
		return model.Reading{}, err
	}

	s.kickSync()
	return r, nil
}

// Delete removes a reading locally. A synced reading queues a remote delete;
// a local-only one only needs its pending entries dropped, the backend never
// saw it.
func (s *Readings) Delete(ctx context.Context, localID string) error {
	r, err := s.store.GetReading(ctx, localID)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteReadingTx(ctx, tx, localID); err != nil {
			return err
		}
		if err := s.dropEntriesTx(ctx, tx, localID, ""); err != nil {
			return err
		}
		if r.RemoteID != 0 {
			if _, err := s.store.EnqueueTx(ctx, tx, model.SyncQueueEntry{
				Op:        model.OpDelete,
				ReadingID: localID,
				RemoteID:  r.RemoteID,
				QueuedAt:  time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return s.store.AppendAuditTx(ctx, tx, "reading.delete", localID)
	})
	if err != nil {
		return err
	}

	s.kickSync()
	return nil
}

// Get returns one reading by local ID.
func (s *Readings) Get(ctx context.Context, localID string) (model.Reading, error) {
	return s.store.GetReading(ctx, localID)
}

// List returns readings captured in [from, to], oldest first.
func (s *Readings) List(ctx context.Context, from, to time.Time) ([]model.Reading, error) {
	return s.store.QueryReadings(ctx, from, to)
}

// dropEntriesTx removes pending queue entries for a reading. op narrows to
// one operation kind; empty drops them all.
func (s *Readings) dropEntriesTx(ctx context.Context, tx *sql.Tx, readingID string, op model.QueueOp) error {
	entries, err := s.store.PendingEntriesTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ReadingID != readingID {
			continue
		}
		if op != "" && e.Op != op {
			continue
		}
		if err := s.store.DequeueTx(ctx, tx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// kickSync fires the opportunistic sync without holding the caller up. The
// trigger owns its own error reporting.
func (s *Readings) kickSync() {
	if s.trigger == nil {
		return
	}
	go s.trigger(context.Background())
}

func validateReading(value float64, unit model.Unit) error {
	if value <= 0 {
		return fmt.Errorf("%w: glucose value must be positive, got %g", errs.ErrBadPayload, value)
	}
	switch unit {
	case model.UnitMgdL, model.UnitMmolL:
		return nil
	default:
		return fmt.Errorf("%w: unknown unit %q", errs.ErrBadPayload, unit)
	}
}
