// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth owns the credential lifecycle: login, refresh-on-expiry,
// logout with PHI purge, and the observable authentication state. There is
// no ambient singleton; one Manager instance is injected into whoever needs
// session state.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// Fixed kv keys for the persisted token pair. Cleared entirely on logout.
const (
	kvAccessToken  = "auth.access_token"
	kvRefreshToken = "auth.refresh_token"
	kvExpiresAt    = "auth.expires_at"
)

// Manager owns the token pair and the authentication state stream.
// Login, RefreshAccessToken and Logout are not meant to be called
// concurrently with each other; that discipline belongs to the caller.
type Manager struct {
	store  *store.Store
	client *api.Client
	logger *slog.Logger

	mu      sync.Mutex
	session model.AuthSession
	staged  string // access token under validation during login, not yet visible
	subs    map[int]chan model.AuthSession
	nextSub int
}

// NewManager wires a session manager to the store and the backend client.
// The client's token provider is pointed at this manager.
func NewManager(st *store.Store, client *api.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  st,
		client: client,
		logger: logger,
		subs:   make(map[int]chan model.AuthSession),
	}
	client.Token = func(ctx context.Context) (string, error) {
		return m.currentToken(), nil
	}
	return m
}

// currentToken returns the staged login token when one is under validation,
// otherwise the session token.
func (m *Manager) currentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged != "" {
		return m.staged
	}
	return m.session.AccessToken
}

// AccessToken returns the current access token, or empty when there is no
// session. It never triggers a refresh.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccessToken
}

// Session returns a snapshot of the current authentication state.
func (m *Manager) Session() model.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Subscribe registers an observer of authentication state. The current
// state is delivered immediately; the returned func cancels the
// subscription.
func (m *Manager) Subscribe() (<-chan model.AuthSession, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan model.AuthSession, 16)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.session

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// setSession replaces the state and fans it out to subscribers. Slow
// subscribers miss intermediate states rather than blocking the manager.
func (m *Manager) setSession(s model.AuthSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Login exchanges credentials for a token pair, fetches the account summary
// and validates its state. Only on full success are tokens persisted and the
// state stream updated; any failure leaves the prior state untouched.
func (m *Manager) Login(ctx context.Context, identifier, secret string, remember bool) error {
	tok, err := m.client.ExchangeToken(ctx, identifier, secret)
	if err != nil {
		return err
	}

	// Stage the fresh token so the profile fetch can authenticate without
	// the session becoming observable yet.
	m.mu.Lock()
	m.staged = tok.AccessToken
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.staged = ""
		m.mu.Unlock()
	}()

	user, err := m.client.Me(ctx)
	if err != nil {
		return err
	}
	account, err := validateAccount(user)
	if err != nil {
		return err
	}

	expiresAt := tokenExpiry(tok)
	if remember {
		if err := m.persistTokens(ctx, tok, expiresAt, "session.login"); err != nil {
			return err
		}
	}

	m.setSession(model.AuthSession{
		Authenticated: true,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     expiresAt,
		Account:       account,
	})
	m.logger.Info("session established", "user", account.DNI, "state", account.State)
	return nil
}

// validateAccount maps the backend account record to the domain account and
// rejects non-active states with their dedicated sentinels.
func validateAccount(u *api.UserRecord) (*model.Account, error) {
	if u.Blocked {
		return nil, errs.ErrAccountBlocked
	}
	state := model.AccountState(u.HospitalAccount)
	switch state {
	case model.AccountActive:
	case model.AccountPending:
		return nil, errs.ErrAccountPending
	case model.AccountDisabled:
		return nil, errs.ErrAccountDisabled
	default:
		// Unknown states are treated as not yet approved.
		return nil, fmt.Errorf("%w: state %q", errs.ErrAccountPending, u.HospitalAccount)
	}
	return &model.Account{
		UserID:        u.UserID,
		DNI:           u.DNI,
		Name:          u.Name,
		Surname:       u.Surname,
		Email:         u.Email,
		State:         state,
		TimesMeasured: u.TimesMeasured,
		Streak:        u.Streak,
		MaxStreak:     u.MaxStreak,
	}, nil
}

// RefreshAccessToken exchanges the stored refresh token for a new pair. On
// failure every persisted token is cleared and the state demotes to
// unauthenticated; there is no partial-refresh state.
func (m *Manager) RefreshAccessToken(ctx context.Context) error {
	m.mu.Lock()
	refreshToken := m.session.RefreshToken
	account := m.session.Account
	m.mu.Unlock()
	if refreshToken == "" {
		return errs.ErrTokenExpired
	}

	tok, err := m.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed, demoting session", "err", err)
		if derr := m.dropTokens(ctx); derr != nil {
			m.logger.Error("failed to clear persisted tokens", "err", derr)
		}
		m.setSession(model.AuthSession{})
		return err
	}

	expiresAt := tokenExpiry(tok)
	if err := m.persistTokens(ctx, tok, expiresAt, "session.refresh"); err != nil {
		return err
	}
	m.setSession(model.AuthSession{
		Authenticated: true,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     expiresAt,
		Account:       account,
	})
	return nil
}

// Logout tears the session down: persisted tokens and every PHI-bearing
// table are wiped, then the unauthenticated state is emitted.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to purge local data on logout: %w", err)
	}
	m.setSession(model.AuthSession{})
	if err := m.store.AppendAudit(ctx, "session.logout", ""); err != nil {
		m.logger.Warn("failed to record logout", "err", err)
	}
	m.logger.Info("session terminated")
	return nil
}

// Restore loads a previously persisted token pair at startup. Missing or
// unreadable tokens leave the manager unauthenticated without error.
func (m *Manager) Restore(ctx context.Context) error {
	access, err := m.store.GetKV(ctx, kvAccessToken)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	refresh, err := m.store.GetKV(ctx, kvRefreshToken)
	if errors.Is(err, errs.ErrNotFound) {
		refresh = ""
	} else if err != nil {
		return err
	}

	var expiresAt time.Time
	if raw, err := m.store.GetKV(ctx, kvExpiresAt); err == nil {
		if unix, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			expiresAt = time.Unix(unix, 0).UTC()
		}
	}

	m.setSession(model.AuthSession{
		Authenticated: true,
		AccessToken:   access,
		RefreshToken:  refresh,
		ExpiresAt:     expiresAt,
	})
	return nil
}

// persistTokens writes the token pair and an audit row atomically.
func (m *Manager) persistTokens(ctx context.Context, tok *api.TokenResponse, expiresAt time.Time, action string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.PutKVTx(ctx, tx, kvAccessToken, tok.AccessToken); err != nil {
			return err
		}
		if err := m.store.PutKVTx(ctx, tx, kvRefreshToken, tok.RefreshToken); err != nil {
			return err
		}
		if err := m.store.PutKVTx(ctx, tx, kvExpiresAt, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
			return err
		}
		return m.store.AppendAuditTx(ctx, tx, action, "")
	})
}

// dropTokens removes every persisted token key.
func (m *Manager) dropTokens(ctx context.Context) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.store.DeleteKVTx(ctx, tx, kvAccessToken, kvRefreshToken, kvExpiresAt)
	})
}

// tokenExpiry reads the expiry instant from the JWT's exp claim. The token
// is not verified here (the backend holds the key); expires_in is the
// fallback when the claim is absent or the token is opaque.
func tokenExpiry(tok *api.TokenResponse) time.Time {
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(tok.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.UTC()
	}
	return time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
}
