// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP client for the Diabetactic backend. It owns the
// wire contract only: form-encoded token exchange, bearer-authenticated
// JSON calls, and the mapping from HTTP statuses to the sentinel errors in
// internal/errs. The mapping is total; anything unrecognized resolves to
// errs.ErrServer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mobiletoly/diasync/internal/errs"
)

// Client talks to the backend. Token returns the current access token; it
// is nil-safe so unauthenticated calls (token exchange) work before login.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(context.Context) (string, error)
	logger  *slog.Logger
}

// NewClient creates a backend client. tok may be nil until a session exists.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   tok,
		logger:  logger,
	}
}

// ---- token endpoints ----

// ExchangeToken performs the form-encoded credential exchange of POST /token.
func (c *Client) ExchangeToken(ctx context.Context, identifier, secret string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", identifier)
	form.Set("password", secret)
	return c.postTokenForm(ctx, "/token", form)
}

// RefreshToken exchanges the refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.postTokenForm(ctx, "/token/refresh", form)
}

func (c *Client) postTokenForm(ctx context.Context, path string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading token response: %v", errs.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapTokenStatus(resp.StatusCode, body)
	}

	payload, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	var tok TokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, fmt.Errorf("%w: token response: %v", errs.ErrBadPayload, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", errs.ErrBadPayload)
	}
	return &tok, nil
}

// mapTokenStatus maps /token and /token/refresh failures. The token service
// being down is distinguished from bad credentials.
func mapTokenStatus(code int, body []byte) error {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", errs.ErrInvalidCredentials, code)
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", errs.ErrTokenService, code)
	default:
		return fmt.Errorf("%w: token endpoint status %d: %s", errs.ErrServer, code, truncate(body))
	}
}

// ---- users ----

// Me fetches the authenticated account summary.
func (c *Client) Me(ctx context.Context) (*UserRecord, error) {
	var u UserRecord
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateMe patches account fields and returns the updated record.
func (c *Client) UpdateMe(ctx context.Context, patch map[string]any) (*UserRecord, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}
	var u UserRecord
	if err := c.do(ctx, http.MethodPatch, "/users/me", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ---- glucose ----

// ListReadings fetches one page of the caller's readings.
func (c *Client) ListReadings(ctx context.Context, limit, offset int) (*ReadingPage, error) {
	path := fmt.Sprintf("/glucose/mine?limit=%d&offset=%d", limit, offset)
	var page ReadingPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateReading creates a reading; the backend echoes the created record
// with its assigned ID.
func (c *Client) CreateReading(ctx context.Context, p ReadingParams) (*ReadingRecord, error) {
	var rec ReadingRecord
	if err := c.do(ctx, http.MethodPost, "/glucose/create?"+readingQuery(p), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateReading replaces a reading by backend ID.
func (c *Client) UpdateReading(ctx context.Context, id int64, p ReadingParams) (*ReadingRecord, error) {
	path := fmt.Sprintf("/glucose/%d?%s", id, readingQuery(p))
	var rec ReadingRecord
	if err := c.do(ctx, http.MethodPut, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteReading deletes a reading by backend ID.
func (c *Client) DeleteReading(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/glucose/%d", id), nil, nil)
}

func readingQuery(p ReadingParams) string {
	q := url.Values{}
	q.Set("glucose_level", strconv.FormatFloat(p.GlucoseLevel, 'f', -1, 64))
	q.Set("reading_type", p.ReadingType)
	q.Set("created_at", p.CreatedAt)
	if p.Notes != "" {
		q.Set("notes", p.Notes)
	}
	return q.Encode()
}

// ---- appointments ----

// ListAppointments fetches the caller's appointments.
func (c *Client) ListAppointments(ctx context.Context) ([]AppointmentRecord, error) {
	var list []AppointmentRecord
	if err := c.do(ctx, http.MethodGet, "/appointments/mine", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AppointmentState returns the caller's current appointment-flow state.
func (c *Client) AppointmentState(ctx context.Context) (string, error) {
	var st AppointmentStateResponse
	if err := c.do(ctx, http.MethodGet, "/appointments/state", nil, &st); err != nil {
		return "", err
	}
	return st.State, nil
}

// RequestAppointment opens an appointment request.
func (c *Client) RequestAppointment(ctx context.Context, motive string) (*AppointmentRecord, error) {
	body, err := json.Marshal(map[string]string{"motive": motive})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var rec AppointmentRecord
	if err := c.do(ctx, http.MethodPost, "/appointments/request", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubmitAppointment submits the previously requested appointment slot.
func (c *Client) SubmitAppointment(ctx context.Context, placement string) (*AppointmentRecord, error) {
	body, err := json.Marshal(map[string]string{"placement": placement})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit: %w", err)
	}
	var rec AppointmentRecord
	if err := c.do(ctx, http.MethodPost, "/appointments/submit", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AcceptAppointment is the backoffice acceptance call.
func (c *Client) AcceptAppointment(ctx context.Context, placement string) error {
	return c.do(ctx, http.MethodPut, "/appointments/accept/"+url.PathEscape(placement), nil, nil)
}

// CreateResolution is the backoffice resolution call.
func (c *Client) CreateResolution(ctx context.Context, appointmentID int64, resolution string) error {
	body, err := json.Marshal(map[string]any{"appointment_id": appointmentID, "resolution": resolution})
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/appointments/create_resolution", body, nil)
}

// ---- plumbing ----

// do executes a bearer-authenticated JSON call and decodes the (possibly
// enveloped) response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", errs.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapStatus(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}

	payload, err := unwrap(respBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrBadPayload, method, path, err)
	}
	return nil
}

// mapStatus maps authenticated-endpoint failures. Total: every status falls
// into exactly one category, with errs.ErrServer as the fallback.
func mapStatus(code int, body []byte) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: status 401", errs.ErrTokenExpired)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: status 403", errs.ErrAccountBlocked)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status 404", errs.ErrNotFound)
	case code >= 500:
		return fmt.Errorf("%w: status %d: %s", errs.ErrServer, code, truncate(body))
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", errs.ErrServer, code, truncate(body))
	}
}

// unwrap resolves the backend's two response shapes: either the payload
// itself, or an envelope {"data": ...}. Anything else is rejected instead
// of being coerced.
func unwrap(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", errs.ErrBadPayload)
	}
	if trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
			if bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
				return nil, fmt.Errorf("%w: envelope with null data", errs.ErrBadPayload)
			}
			return env.Data, nil
		}
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: not a JSON object or array", errs.ErrBadPayload)
	}
	return json.RawMessage(trimmed), nil
}

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
