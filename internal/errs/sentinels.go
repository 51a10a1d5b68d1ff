// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package errs contains sentinel errors used across layers for stable error
// mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates the identifier/secret pair was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountPending indicates the hospital account has not been approved yet.
	ErrAccountPending = errors.New("account pending approval")

	// ErrAccountDisabled indicates the hospital account was deactivated.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrAccountBlocked indicates the account was blocked by an administrator.
	ErrAccountBlocked = errors.New("account blocked")

	// ErrTokenExpired indicates the access token was rejected as expired or invalid.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenService indicates the token service is unreachable or failing.
	ErrTokenService = errors.New("token service unavailable")

	// ErrNetwork indicates a connectivity failure before any HTTP status was received.
	ErrNetwork = errors.New("network error")

	// ErrServer indicates a 5xx response or an otherwise unusable reply.
	ErrServer = errors.New("server error")

	// ErrBadPayload indicates a response body whose shape was not recognized.
	ErrBadPayload = errors.New("unrecognized payload shape")

	// ErrMalformedTime indicates a backend timestamp that failed to parse.
	ErrMalformedTime = errors.New("malformed timestamp")
)
