// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/mobiletoly/diasync/internal/convert"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

// Time-in-range band in mg/dL. Both bounds are in range; this band is wider
// than the clinical "normal" classification on purpose (180 is in range but
// classifies as high).
const (
	tirLow  = 70.0
	tirHigh = 180.0
)

// Stats is a derived view over a set of readings. All values are in mg/dL.
// Percentages are 0-100.
type Stats struct {
	Count     int
	Mean      float64
	Median    float64
	StdDev    float64 // population standard deviation
	CV        float64 // coefficient of variation, percent
	TimeIn    float64 // percent of readings in [70, 180]
	TimeAbove float64 // percent above 180
	TimeBelow float64 // percent below 70
	EstA1C    float64 // (mean + 46.7) / 28.7
	GMI       float64 // 3.31 + 0.02392 * mean
}

// Statistics computes derived views over a date-range query against the
// store. Nothing is cached; every call reflects current stored readings.
type Statistics struct {
	store *store.Store
}

// NewStatistics creates the statistics service.
func NewStatistics(st *store.Store) *Statistics {
	return &Statistics{store: st}
}

// Range computes stats over readings captured in [from, to].
func (s *Statistics) Range(ctx context.Context, from, to time.Time) (Stats, error) {
	readings, err := s.store.QueryReadings(ctx, from, to)
	if err != nil {
		return Stats{}, err
	}
	return Compute(readings), nil
}

// Compute derives the stats from a reading set. Values are normalized to
// mg/dL first. An empty set yields the zero Stats.
func Compute(readings []model.Reading) Stats {
	if len(readings) == 0 {
		return Stats{}
	}

	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = convert.ConvertUnit(r.Value, r.Unit, model.UnitMgdL)
	}

	var sum float64
	var below, in, above int
	for _, v := range values {
		sum += v
		switch {
		case v < tirLow:
			below++
		case v > tirHigh:
			above++
		default:
			in++
		}
	}
	n := float64(len(values))
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / n)

	cv := 0.0
	if mean != 0 {
		cv = stddev / mean * 100
	}

	return Stats{
		Count:     len(values),
		Mean:      mean,
		Median:    median(values),
		StdDev:    stddev,
		CV:        cv,
		TimeIn:    float64(in) / n * 100,
		TimeAbove: float64(above) / n * 100,
		TimeBelow: float64(below) / n * 100,
		EstA1C:    (mean + 46.7) / 28.7,
		GMI:       3.31 + 0.02392*mean,
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
