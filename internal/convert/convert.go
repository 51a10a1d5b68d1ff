// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package convert holds the pure mapping functions between the backend wire
// representation and the local canonical representation. No state, no I/O;
// the only error condition is a malformed backend timestamp, which fails
// loudly instead of silently defaulting.
package convert

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
)

// MgdLPerMmolL is the linear conversion factor between the two glucose units.
const MgdLPerMmolL = 18.0182

// backendTimeLayout is the locale format the backend emits for timestamps.
const backendTimeLayout = "02/01/2006 15:04:05"

// DefaultBackendZone is the fixed offset the backend formats timestamps in.
// The offset is configurable end to end; this is only the default.
func DefaultBackendZone() *time.Location {
	return time.FixedZone("UTC-3", -3*60*60)
}

// ConvertUnit converts a glucose value between units. Identity when the
// units match.
func ConvertUnit(value float64, from, to model.Unit) float64 {
	if from == to {
		return value
	}
	if from == model.UnitMmolL && to == model.UnitMgdL {
		return value * MgdLPerMmolL
	}
	return value / MgdLPerMmolL
}

// ClinicalStatus classifies a glucose value. Thresholds are defined in
// mg/dL; mmol/L values are converted before classification.
func ClinicalStatus(value float64, unit model.Unit) model.ClinicalStatus {
	mgdl := ConvertUnit(value, unit, model.UnitMgdL)
	switch {
	case mgdl < 54:
		return model.StatusCriticalLow
	case mgdl < 70:
		return model.StatusLow
	case mgdl < 180:
		return model.StatusNormal
	case mgdl <= 250:
		return model.StatusHigh
	default:
		return model.StatusCriticalHigh
	}
}

// ParseBackendTime parses the backend's locale-formatted timestamp in the
// given fixed zone and returns an absolute instant in UTC.
func ParseBackendTime(s string, zone *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(backendTimeLayout, s, zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", errs.ErrMalformedTime, s)
	}
	return t.UTC(), nil
}

// FormatBackendTime renders an instant the way the backend formats
// timestamps (locale layout, fixed zone).
func FormatBackendTime(t time.Time, zone *time.Location) string {
	return t.In(zone).Format(backendTimeLayout)
}

// ToLocal converts a remote reading record into the local canonical form.
// The resulting reading is synced and never local-only; its clinical status
// is computed from the wire value. The backend reports values in mg/dL.
func ToLocal(rec api.ReadingRecord, zone *time.Location) (model.Reading, error) {
	capturedAt, err := ParseBackendTime(rec.CreatedAt, zone)
	if err != nil {
		return model.Reading{}, err
	}
	return model.Reading{
		LocalID:    uuid.NewString(),
		RemoteID:   rec.ID,
		Value:      rec.GlucoseLevel,
		Unit:       model.UnitMgdL,
		CapturedAt: capturedAt,
		Category:   rec.ReadingType,
		Note:       rec.Notes,
		Synced:     true,
		LocalOnly:  false,
		Status:     ClinicalStatus(rec.GlucoseLevel, model.UnitMgdL),
	}, nil
}

// ToRemoteParams emits the wire parameters for creating or updating a
// reading. Values are always sent in mg/dL; the capture time is ISO-8601
// with a Z suffix. Fields the backend does not recognize are omitted.
func ToRemoteParams(r model.Reading) api.ReadingParams {
	return api.ReadingParams{
		GlucoseLevel: ConvertUnit(r.Value, r.Unit, model.UnitMgdL),
		ReadingType:  r.Category,
		Notes:        r.Note,
		CreatedAt:    r.CapturedAt.UTC().Format(time.RFC3339),
	}
}
