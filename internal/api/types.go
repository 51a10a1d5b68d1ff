// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package api

// TokenResponse is the reply of POST /token and POST /token/refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ReadingRecord is the backend's wire representation of one glucose reading.
// CreatedAt is locale-formatted (DD/MM/YYYY HH:mm:ss) in the backend's fixed
// zone; parsing happens in the convert package.
type ReadingRecord struct {
	ID           int64   `json:"id"`
	UserID       int64   `json:"user_id"`
	GlucoseLevel float64 `json:"glucose_level"`
	ReadingType  string  `json:"reading_type"`
	CreatedAt    string  `json:"created_at"`
	Notes        string  `json:"notes,omitempty"`
}

// ReadingPage is one page of GET /glucose/mine.
type ReadingPage struct {
	Readings []ReadingRecord `json:"readings"`
	Total    int             `json:"total"`
}

// ReadingParams carries the query parameters of POST /glucose/create and
// PUT /glucose/{id}. Fields the backend does not recognize are omitted here
// on purpose.
type ReadingParams struct {
	GlucoseLevel float64
	ReadingType  string
	Notes        string
	CreatedAt    string // ISO-8601 with Z
}

// UserRecord is the backend account shape returned by GET /users/me.
type UserRecord struct {
	UserID          int64  `json:"user_id"`
	DNI             string `json:"dni"`
	Name            string `json:"name"`
	Surname         string `json:"surname"`
	Email           string `json:"email"`
	HospitalAccount string `json:"hospital_account"`
	Blocked         bool   `json:"blocked"`
	Tidepool        string `json:"tidepool,omitempty"`
	TimesMeasured   int    `json:"times_measured"`
	Streak          int    `json:"streak"`
	MaxStreak       int    `json:"max_streak"`
}

// AppointmentRecord is the backend appointment shape.
type AppointmentRecord struct {
	ID         int64  `json:"id"`
	Placement  string `json:"placement"`
	Motive     string `json:"motive"`
	Status     string `json:"status"`
	Date       string `json:"date"` // same locale format as readings
	Resolution string `json:"resolution,omitempty"`
}

// AppointmentStateResponse is the reply of GET /appointments/state.
type AppointmentStateResponse struct {
	State string `json:"state"`
}
