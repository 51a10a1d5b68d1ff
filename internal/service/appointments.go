// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/convert"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// Appointments serves the consultation flow. Reads go to the local cache
// first; Refresh replaces the cache from the backend when connectivity
// allows.
type Appointments struct {
	store  *store.Store
	client *api.Client
	zone   *time.Location
	logger *slog.Logger
}

// NewAppointments creates the appointments service. zone is the backend's
// fixed timestamp offset; nil selects the default.
func NewAppointments(st *store.Store, client *api.Client, zone *time.Location, logger *slog.Logger) *Appointments {
	if zone == nil {
		zone = convert.DefaultBackendZone()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Appointments{store: st, client: client, zone: zone, logger: logger}
}

// List returns the cached appointments, soonest first.
func (s *Appointments) List(ctx context.Context) ([]model.Appointment, error) {
	return s.store.ListAppointments(ctx)
}

// Refresh fetches the remote appointment list and replaces the cache. On
// fetch failure the cache is left untouched and the error surfaces; callers
// fall back to List.
func (s *Appointments) Refresh(ctx context.Context) ([]model.Appointment, error) {
	records, err := s.client.ListAppointments(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Appointment, 0, len(records))
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			a, err := toAppointment(rec, s.zone)
			if err != nil {
				// One malformed record must not poison the whole refresh.
				s.logger.Warn("skipping malformed appointment", "id", rec.ID, "err", err)
				continue
			}
			if err := s.store.PutAppointmentTx(ctx, tx, a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// State returns the caller's current appointment-flow state from the backend.
func (s *Appointments) State(ctx context.Context) (string, error) {
	return s.client.AppointmentState(ctx)
}

// Request opens a new appointment request and caches the echoed record.
func (s *Appointments) Request(ctx context.Context, motive string) (model.Appointment, error) {
	rec, err := s.client.RequestAppointment(ctx, motive)
	if err != nil {
		return model.Appointment{}, err
	}
	return s.cacheOne(ctx, *rec, "appointment.request")
}

// Submit confirms the requested slot and caches the echoed record.
func (s *Appointments) Submit(ctx context.Context, placement string) (model.Appointment, error) {
	rec, err := s.client.SubmitAppointment(ctx, placement)
	if err != nil {
		return model.Appointment{}, err
	}
	return s.cacheOne(ctx, *rec, "appointment.submit")
}

func (s *Appointments) cacheOne(ctx context.Context, rec api.AppointmentRecord, action string) (model.Appointment, error) {
	a, err := toAppointment(rec, s.zone)
	if err != nil {
		return model.Appointment{}, err
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.PutAppointmentTx(ctx, tx, a); err != nil {
			return err
		}
		return s.store.AppendAuditTx(ctx, tx, action, a.Placement)
	})
	if err != nil {
		return model.Appointment{}, err
	}
	return a, nil
}

// toAppointment maps the wire record to the domain shape. An absent date is
// legal for freshly requested appointments that have no slot yet.
func toAppointment(rec api.AppointmentRecord, zone *time.Location) (model.Appointment, error) {
	a := model.Appointment{
		ID:         rec.ID,
		Placement:  rec.Placement,
		Motive:     rec.Motive,
		Status:     model.AppointmentStatus(rec.Status),
		Resolution: rec.Resolution,
	}
	if rec.Date != "" {
		t, err := convert.ParseBackendTime(rec.Date, zone)
		if err != nil {
			return model.Appointment{}, err
		}
		a.ScheduledAt = t
	}
	return a, nil
}
