package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/diasync/internal/model"
)

func mgdl(values ...float64) []model.Reading {
	out := make([]model.Reading, len(values))
	for i, v := range values {
		out[i] = model.Reading{Value: v, Unit: model.UnitMgdL}
	}
	return out
}

func TestComputeReferenceSet(t *testing.T) {
	s := Compute(mgdl(100, 120, 140, 180, 200))

	require.Equal(t, 5, s.Count)
	require.InDelta(t, 148.0, s.Mean, 1e-9)
	require.InDelta(t, 140.0, s.Median, 1e-9)
	// 180 is in range even though it classifies as clinically high.
	require.InDelta(t, 80.0, s.TimeIn, 1e-9)
	require.InDelta(t, 20.0, s.TimeAbove, 1e-9)
	require.InDelta(t, 0.0, s.TimeBelow, 1e-9)
	require.InDelta(t, (148.0+46.7)/28.7, s.EstA1C, 1e-9)
	require.InDelta(t, 3.31+0.02392*148.0, s.GMI, 1e-9)
}

func TestComputePopulationStdDev(t *testing.T) {
	// Population (not sample) deviation: for [2,4,4,4,5,5,7,9] it is exactly 2.
	s := Compute(mgdl(2, 4, 4, 4, 5, 5, 7, 9))
	require.InDelta(t, 2.0, s.StdDev, 1e-9)
	require.InDelta(t, 5.0, s.Mean, 1e-9)
	require.InDelta(t, 40.0, s.CV, 1e-9)
}

func TestComputeMedianEvenCount(t *testing.T) {
	s := Compute(mgdl(100, 200, 120, 140))
	require.InDelta(t, 130.0, s.Median, 1e-9)
}

func TestComputeNormalizesUnits(t *testing.T) {
	// 10 mmol/L is ~180.182 mg/dL: above range.
	s := Compute([]model.Reading{
		{Value: 10, Unit: model.UnitMmolL},
		{Value: 100, Unit: model.UnitMgdL},
	})
	require.InDelta(t, 50.0, s.TimeAbove, 1e-9)
	require.InDelta(t, 50.0, s.TimeIn, 1e-9)
}

func TestComputeRangeBounds(t *testing.T) {
	s := Compute(mgdl(70, 180, 69.9, 180.1))
	require.InDelta(t, 50.0, s.TimeIn, 1e-9)
	require.InDelta(t, 25.0, s.TimeBelow, 1e-9)
	require.InDelta(t, 25.0, s.TimeAbove, 1e-9)
}

func TestComputeEmpty(t *testing.T) {
	require.Equal(t, Stats{}, Compute(nil))
}

func TestRangeQueriesStore(t *testing.T) {
	st := newTestStore(t)
	svc := NewStatistics(st)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{100, 120, 140, 180, 200} {
		require.NoError(t, st.PutReading(ctx, model.Reading{
			LocalID: string(rune('a' + i)), Value: v, Unit: model.UnitMgdL,
			CapturedAt: base.Add(time.Duration(i) * time.Hour),
			Status:     model.StatusNormal,
		}))
	}

	s, err := svc.Range(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 5, s.Count)
	require.InDelta(t, 148.0, s.Mean, 1e-9)

	// Stats are a live view: narrowing the range changes the result.
	s, err = svc.Range(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, s.Count)
	require.InDelta(t, 110.0, s.Mean, 1e-9)
}
