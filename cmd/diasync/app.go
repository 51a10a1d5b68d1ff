// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/auth"
	"github.com/mobiletoly/diasync/internal/service"
	"github.com/mobiletoly/diasync/internal/store"
	"github.com/mobiletoly/diasync/internal/syncer"
)

// app wires every component for one CLI invocation. Commands build it in
// RunE, use it, and close it.
type app struct {
	store        *store.Store
	client       *api.Client
	auth         *auth.Manager
	engine       *syncer.Engine
	readings     *service.Readings
	appointments *service.Appointments
	profile      *service.Profile
	stats        *service.Statistics
}

// newApp opens the database, restores any persisted session and wires the
// services together.
func newApp(ctx context.Context) (*app, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	logger := slog.Default()
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.BaseURL, nil, logger)
	mgr := auth.NewManager(st, client, logger)
	if err := mgr.Restore(ctx); err != nil {
		st.Close()
		return nil, err
	}

	engine := syncer.New(st, client, mgr, nil, cfg.SyncerConfig(), logger)
	trigger := func(ctx context.Context) {
		if _, err := engine.FullSync(ctx); err != nil {
			logger.Warn("opportunistic sync failed", "err", err)
		}
	}

	return &app{
		store:        st,
		client:       client,
		auth:         mgr,
		engine:       engine,
		readings:     service.NewReadings(st, trigger, logger),
		appointments: service.NewAppointments(st, client, cfg.BackendZone(), logger),
		profile:      service.NewProfile(st, client, logger),
		stats:        service.NewStatistics(st),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Default().Warn("failed to close database", "err", err)
	}
}

// requireSession fails fast for commands that need an authenticated session.
func (a *app) requireSession() error {
	if !a.auth.Session().Authenticated {
		return fmt.Errorf("not logged in; run 'diasync login' first")
	}
	return nil
}
