// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package model defines the domain entities shared by the store, the sync
// engine and the services.
package model

import "time"

// Unit is a glucose measurement unit.
type Unit string

const (
	UnitMgdL  Unit = "mg/dL"
	UnitMmolL Unit = "mmol/L"
)

// ClinicalStatus classifies a glucose value against fixed mg/dL thresholds.
type ClinicalStatus string

const (
	StatusCriticalLow  ClinicalStatus = "critical-low"
	StatusLow          ClinicalStatus = "low"
	StatusNormal       ClinicalStatus = "normal"
	StatusHigh         ClinicalStatus = "high"
	StatusCriticalHigh ClinicalStatus = "critical-high"
)

// Reading is a single glucose measurement.
//
// Exactly one of the following holds: the reading has not been pushed yet
// (LocalOnly, no remote ID), or it carries a remote ID and Synced is true.
type Reading struct {
	LocalID    string         // client-generated UUID, primary key
	RemoteID   int64          // backend-assigned; 0 until pushed
	Value      float64
	Unit       Unit
	CapturedAt time.Time      // absolute instant, stored as RFC 3339 UTC
	Category   string         // measurement context code (fasting, post-meal, ...)
	Note       string
	Synced     bool
	LocalOnly  bool
	Status     ClinicalStatus // derived from (Value, Unit), recomputed on every write
}

// QueueOp is the kind of a pending mutation.
type QueueOp string

const (
	OpCreate QueueOp = "create"
	OpUpdate QueueOp = "update"
	OpDelete QueueOp = "delete"
)

// SyncQueueEntry is one pending local mutation awaiting transmission.
type SyncQueueEntry struct {
	ID        int64   // store-assigned, drives drain order
	Op        QueueOp
	ReadingID string  // target reading's local ID
	RemoteID  int64   // set for update/delete of previously synced readings
	Payload   string  // serialized wire params captured at enqueue time
	QueuedAt  time.Time
	Retries   int
}

// AccountState mirrors the backend's hospital account lifecycle.
type AccountState string

const (
	AccountActive   AccountState = "active"
	AccountPending  AccountState = "pending"
	AccountDisabled AccountState = "disabled"
	AccountBlocked  AccountState = "blocked"
)

// Account is the authenticated user summary returned by the backend.
type Account struct {
	UserID        int64
	DNI           string
	Name          string
	Surname       string
	Email         string
	State         AccountState
	TimesMeasured int
	Streak        int
	MaxStreak     int
}

// AuthSession is the current authentication state. Authenticated implies a
// non-empty access token; the converse does not hold transiently during
// refresh.
type AuthSession struct {
	Authenticated bool
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	Account       *Account
}

// Preferences is the user preference bag. Updates are merged against
// defaults so a partial update never erases unrelated preferences.
type Preferences struct {
	Unit          Unit   `json:"unit"`
	Theme         string `json:"theme"`
	Language      string `json:"language"`
	Notifications bool   `json:"notifications"`
}

// DefaultPreferences returns the baseline preference bag that partial
// updates are merged into.
func DefaultPreferences() Preferences {
	return Preferences{
		Unit:          UnitMgdL,
		Theme:         "system",
		Language:      "es",
		Notifications: true,
	}
}

// UserProfile is the local mirror of the account plus preferences.
type UserProfile struct {
	Account         Account     `json:"account"`
	Preferences     Preferences `json:"preferences"`
	TidepoolLinked  bool        `json:"tidepool_linked"`
	TidepoolAccount string      `json:"tidepool_account,omitempty"`
}

// AppointmentStatus is the lifecycle state of an appointment request.
type AppointmentStatus string

const (
	AppointmentPending  AppointmentStatus = "pending"
	AppointmentAccepted AppointmentStatus = "accepted"
	AppointmentResolved AppointmentStatus = "resolved"
	AppointmentRejected AppointmentStatus = "rejected"
)

// Appointment is a scheduled or requested consultation.
type Appointment struct {
	ID          int64
	Placement   string
	Motive      string
	Status      AppointmentStatus
	ScheduledAt time.Time
	Resolution  string
}

// AuditEntry is one row of the local audit trail. Entries are written in the
// same transaction as the mutation they describe.
type AuditEntry struct {
	ID     int64
	At     time.Time
	Action string // e.g. "reading.create", "sync.push", "session.logout"
	Detail string
}
