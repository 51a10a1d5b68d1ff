// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// kvPreferences is the fixed key the preference blob lives under.
const kvPreferences = "profile.preferences"

// Profile serves the local preference bag and the backend account mirror.
type Profile struct {
	store  *store.Store
	client *api.Client
	logger *slog.Logger
}

// NewProfile creates the profile service.
func NewProfile(st *store.Store, client *api.Client, logger *slog.Logger) *Profile {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profile{store: st, client: client, logger: logger}
}

// Preferences loads the stored preference bag. The blob is unmarshaled over
// the defaults so fields missing from older blobs pick up their default. A
// missing blob yields defaults; a corrupted one is logged and yields
// defaults rather than failing.
func (s *Profile) Preferences(ctx context.Context) (model.Preferences, error) {
	prefs := model.DefaultPreferences()

	raw, err := s.store.GetKV(ctx, kvPreferences)
	if errors.Is(err, errs.ErrNotFound) {
		return prefs, nil
	}
	if err != nil {
		return prefs, err
	}
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		s.logger.Warn("stored preferences unreadable, using defaults", "err", err)
		return model.DefaultPreferences(), nil
	}
	return prefs, nil
}

// UpdatePreferences applies a change to the current preference bag and
// persists the result. apply receives the merged current state.
func (s *Profile) UpdatePreferences(ctx context.Context, apply func(*model.Preferences)) (model.Preferences, error) {
	prefs, err := s.Preferences(ctx)
	if err != nil {
		return prefs, err
	}
	apply(&prefs)

	blob, err := json.Marshal(prefs)
	if err != nil {
		return prefs, fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := s.store.PutKV(ctx, kvPreferences, string(blob)); err != nil {
		return prefs, err
	}
	if err := s.store.AppendAudit(ctx, "profile.preferences", ""); err != nil {
		s.logger.Warn("failed to record preference change", "err", err)
	}
	return prefs, nil
}

// Me fetches the backend account and combines it with local preferences.
func (s *Profile) Me(ctx context.Context) (model.UserProfile, error) {
	u, err := s.client.Me(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	return s.toProfile(ctx, u)
}

// UpdateAccount patches account fields on the backend and returns the
// refreshed profile.
func (s *Profile) UpdateAccount(ctx context.Context, patch map[string]any) (model.UserProfile, error) {
	u, err := s.client.UpdateMe(ctx, patch)
	if err != nil {
		return model.UserProfile{}, err
	}
	if err := s.store.AppendAudit(ctx, "profile.account", ""); err != nil {
		s.logger.Warn("failed to record account change", "err", err)
	}
	return s.toProfile(ctx, u)
}

func (s *Profile) toProfile(ctx context.Context, u *api.UserRecord) (model.UserProfile, error) {
	prefs, err := s.Preferences(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	return model.UserProfile{
		Account: model.Account{
			UserID:        u.UserID,
			DNI:           u.DNI,
			Name:          u.Name,
			Surname:       u.Surname,
			Email:         u.Email,
			State:         model.AccountState(u.HospitalAccount),
			TimesMeasured: u.TimesMeasured,
			Streak:        u.Streak,
			MaxStreak:     u.MaxStreak,
		},
		Preferences:     prefs,
		TidepoolLinked:  u.Tidepool != "",
		TidepoolAccount: u.Tidepool,
	}, nil
}
