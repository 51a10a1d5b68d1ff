// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncer reconciles the local mutation queue with the backend and
// merges remote readings back in. At most one push and one pull run at a
// time: overlapping invocations collapse onto the in-flight operation and
// share its result.
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/convert"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// TokenRefresher renews the access token after the backend rejects it.
// Satisfied by auth.Manager.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) error
}

// Config tunes the engine. The fuzzy-match tolerance and the backend zone
// are configurable because the backend's second-granularity timestamps and
// fixed UTC-3 offset are deployment details, not universal truths.
type Config struct {
	PageSize       int            // pull pagination size
	MatchTolerance time.Duration  // fuzzy value+time dedup window
	BackendZone    *time.Location // fixed offset the backend formats times in
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		PageSize:       100,
		MatchTolerance: time.Second,
		BackendZone:    convert.DefaultBackendZone(),
	}
}

// PushResult reports one queue drain.
type PushResult struct {
	Pushed int
	Failed int
}

// PullResult reports one remote fetch-and-merge.
type PullResult struct {
	Fetched int
	Merged  int
}

// Summary combines a full push-then-pull cycle.
type Summary struct {
	Push PushResult
	Pull PullResult
}

// Engine drives push and pull against the backend.
type Engine struct {
	store     *store.Store
	client    *api.Client
	refresher TokenRefresher
	online    func(ctx context.Context) bool
	cfg       *Config
	logger    *slog.Logger
	group     singleflight.Group
}

// New creates a sync engine. online reports device connectivity and is
// consulted once per push invocation; nil means a cheap HEAD probe against
// the backend base URL.
func New(st *store.Store, client *api.Client, refresher TokenRefresher,
	online func(ctx context.Context) bool, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     st,
		client:    client,
		refresher: refresher,
		online:    online,
		cfg:       cfg,
		logger:    logger,
	}
	if e.online == nil {
		e.online = e.probe
	}
	return e
}

// probe is the default connectivity check.
func (e *Engine) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.client.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ---- push ----

// Push drains the sync queue in enqueue order. Overlapping calls share the
// in-flight drain. Individual entry failures are counted, never raised; the
// returned error covers only queue access itself.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	v, err, _ := e.group.Do("push", func() (any, error) {
		return e.push(ctx)
	})
	res, _ := v.(PushResult)
	return res, err
}

func (e *Engine) push(ctx context.Context) (PushResult, error) {
	var res PushResult

	// Connectivity is checked once per invocation, not per entry.
	if !e.online(ctx) {
		e.logger.Debug("push skipped, device offline")
		return res, nil
	}

	entries, err := e.store.PendingEntries(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	refreshed := false
	for _, entry := range entries {
		err := e.pushEntry(ctx, entry)
		if errors.Is(err, errs.ErrTokenExpired) && !refreshed {
			// One refresh for the whole batch, then one retry of the
			// in-flight entry with the new token.
			refreshed = true
			if rerr := e.refresher.RefreshAccessToken(ctx); rerr != nil {
				e.logger.Warn("token refresh during push failed", "err", rerr)
			} else {
				err = e.pushEntry(ctx, entry)
			}
		}
		if err != nil {
			res.Failed++
			e.logger.Warn("queue entry failed, left for next cycle",
				"entry", entry.ID, "op", entry.Op, "retries", entry.Retries, "err", err)
			if berr := e.store.BumpRetry(ctx, entry.ID); berr != nil {
				e.logger.Error("failed to bump retry counter", "entry", entry.ID, "err", berr)
			}
			continue
		}
		res.Pushed++
	}

	if aerr := e.store.AppendAudit(ctx, "sync.push",
		fmt.Sprintf("pushed=%d failed=%d", res.Pushed, res.Failed)); aerr != nil {
		e.logger.Warn("failed to record push audit", "err", aerr)
	}
	return res, nil
}

// pushEntry issues the remote call for one queue entry and, on success,
// updates the reading and removes the entry in a single transaction.
func (e *Engine) pushEntry(ctx context.Context, entry model.SyncQueueEntry) error {
	var params api.ReadingParams
	if entry.Op != model.OpDelete {
		if err := json.Unmarshal([]byte(entry.Payload), &params); err != nil {
			return fmt.Errorf("failed to decode queued payload for %s: %w", entry.ReadingID, err)
		}
	}

	switch entry.Op {
	case model.OpCreate:
		rec, err := e.client.CreateReading(ctx, params)
		if err != nil {
			return err
		}
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			reading, err := e.store.GetReadingTx(ctx, tx, entry.ReadingID)
			if err == nil {
				reading.RemoteID = rec.ID
				reading.Synced = true
				reading.LocalOnly = false
				if err := e.store.PutReadingTx(ctx, tx, reading); err != nil {
					return err
				}
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			// Reading deleted locally while queued: nothing to mark, the
			// delete entry behind us will clean up remotely.
			return e.store.DequeueTx(ctx, tx, entry.ID)
		})

	case model.OpUpdate:
		if _, err := e.client.UpdateReading(ctx, entry.RemoteID, params); err != nil {
			return err
		}
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			reading, err := e.store.GetReadingTx(ctx, tx, entry.ReadingID)
			if err == nil {
				reading.Synced = true
				reading.LocalOnly = false
				if err := e.store.PutReadingTx(ctx, tx, reading); err != nil {
					return err
				}
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			return e.store.DequeueTx(ctx, tx, entry.ID)
		})

	case model.OpDelete:
		err := e.client.DeleteReading(ctx, entry.RemoteID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		// Already gone remotely counts as success.
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.DequeueTx(ctx, tx, entry.ID)
		})

	default:
		return fmt.Errorf("unknown queue op %q", entry.Op)
	}
}

// ---- pull ----

// Pull fetches the remote reading list page by page and reconciles each
// record against local storage. Overlapping calls share the in-flight pull.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	v, err, _ := e.group.Do("pull", func() (any, error) {
		return e.pull(ctx)
	})
	res, _ := v.(PullResult)
	return res, err
}

func (e *Engine) pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	offset := 0
	for {
		page, err := e.client.ListReadings(ctx, e.cfg.PageSize, offset)
		if err != nil {
			return res, err
		}
		if len(page.Readings) == 0 {
			break
		}
		for i := range page.Readings {
			res.Fetched++
			merged, err := e.reconcile(ctx, page.Readings[i])
			if err != nil {
				return res, err
			}
			if merged {
				res.Merged++
			}
		}
		offset += len(page.Readings)
		if offset >= page.Total {
			break
		}
	}

	if aerr := e.store.AppendAudit(ctx, "sync.pull",
		fmt.Sprintf("fetched=%d merged=%d", res.Fetched, res.Merged)); aerr != nil {
		e.logger.Warn("failed to record pull audit", "err", aerr)
	}
	return res, nil
}

// reconcile applies one remote record using the two-stage match. It reports
// whether a new local reading was inserted.
func (e *Engine) reconcile(ctx context.Context, rec api.ReadingRecord) (bool, error) {
	remote, err := convert.ToLocal(rec, e.cfg.BackendZone)
	if err != nil {
		return false, err
	}

	// Stage 1: exact match by remote identifier. The server is
	// authoritative: differing fields are overwritten, identical records
	// are left alone.
	if rec.ID != 0 {
		local, err := e.store.GetReadingByRemoteID(ctx, rec.ID)
		switch {
		case err == nil:
			if sameContent(local, remote) {
				return false, nil
			}
			local.Value = remote.Value
			local.Unit = remote.Unit
			local.CapturedAt = remote.CapturedAt
			local.Category = remote.Category
			local.Note = remote.Note
			local.Status = convert.ClinicalStatus(remote.Value, remote.Unit)
			local.Synced = true
			local.LocalOnly = false
			return false, e.store.WithTx(ctx, func(tx *sql.Tx) error {
				return e.store.PutReadingTx(ctx, tx, local)
			})
		case !errors.Is(err, errs.ErrNotFound):
			return false, err
		}
	}

	// Stage 2: fuzzy match against local-only readings by value and time
	// proximity. A hit is our own creation echoed back by the server; link
	// it instead of duplicating.
	locals, err := e.store.ListLocalOnlyReadings(ctx)
	if err != nil {
		return false, err
	}
	for _, local := range locals {
		if !fuzzyMatch(local, remote, e.cfg.MatchTolerance) {
			continue
		}
		local.RemoteID = rec.ID
		local.Synced = true
		local.LocalOnly = false
		linkErr := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.store.PutReadingTx(ctx, tx, local); err != nil {
				return err
			}
			// The create is confirmed on the server; a still-queued create
			// for this reading would only produce a duplicate.
			return e.dequeueCreatesTx(ctx, tx, local.LocalID)
		})
		return false, linkErr
	}

	// Stage 3: no match, insert as new.
	return true, e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.PutReadingTx(ctx, tx, remote)
	})
}

// dequeueCreatesTx drops pending create entries for a reading whose remote
// existence was just confirmed by a pull.
func (e *Engine) dequeueCreatesTx(ctx context.Context, tx *sql.Tx, readingID string) error {
	entries, err := e.store.PendingEntriesTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.ReadingID == readingID && entry.Op == model.OpCreate {
			if err := e.store.DequeueTx(ctx, tx, entry.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// sameContent compares the fields the server can change. Times are compared
// at second granularity because that is all the backend preserves.
func sameContent(a, b model.Reading) bool {
	return mgdlEqual(a, b) &&
		a.Category == b.Category &&
		a.Note == b.Note &&
		a.CapturedAt.Truncate(time.Second).Equal(b.CapturedAt.Truncate(time.Second))
}

// fuzzyMatch reports whether a local-only reading and a remote record carry
// the same value with capture times inside the tolerance window.
func fuzzyMatch(local, remote model.Reading, tolerance time.Duration) bool {
	if !mgdlEqual(local, remote) {
		return false
	}
	lt := local.CapturedAt.Truncate(time.Second)
	rt := remote.CapturedAt.Truncate(time.Second)
	d := lt.Sub(rt)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// mgdlEqual compares two readings' values in mg/dL, absorbing unit
// conversion rounding.
func mgdlEqual(a, b model.Reading) bool {
	av := convert.ConvertUnit(a.Value, a.Unit, model.UnitMgdL)
	bv := convert.ConvertUnit(b.Value, b.Unit, model.UnitMgdL)
	return math.Abs(av-bv) < 1e-6
}

// ---- full sync ----

// FullSync runs push then pull. A push failure does not prevent the pull
// from running; the first error (push before pull) is reported alongside
// whatever counts were achieved.
func (e *Engine) FullSync(ctx context.Context) (Summary, error) {
	v, err, _ := e.group.Do("full", func() (any, error) {
		var sum Summary
		var firstErr error

		push, err := e.Push(ctx)
		sum.Push = push
		if err != nil {
			firstErr = err
		}

		pull, err := e.Pull(ctx)
		sum.Pull = pull
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return sum, firstErr
	})
	sum, _ := v.(Summary)
	return sum, err
}
