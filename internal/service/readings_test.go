package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/errs"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAddWritesRecordAndQueueTogether(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	captured := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	r, err := svc.Add(ctx, 120, model.UnitMgdL, captured, "fasting", "before breakfast")
	require.NoError(t, err)
	require.NotEmpty(t, r.LocalID)
	require.True(t, r.LocalOnly)
	require.False(t, r.Synced)
	require.Equal(t, model.StatusNormal, r.Status)

	got, err := st.GetReading(ctx, r.LocalID)
	require.NoError(t, err)
	require.Equal(t, 120.0, got.Value)

	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.OpCreate, entries[0].Op)
	require.Equal(t, r.LocalID, entries[0].ReadingID)

	var params api.ReadingParams
	require.NoError(t, json.Unmarshal([]byte(entries[0].Payload), &params))
	require.Equal(t, 120.0, params.GlucoseLevel)
	require.Equal(t, "2024-06-01T11:00:00Z", params.CreatedAt)
}

func TestAddRejectsBadInput(t *testing.T) {
	svc := NewReadings(newTestStore(t), nil, nil)
	ctx := context.Background()

	_, err := svc.Add(ctx, 0, model.UnitMgdL, time.Now(), "fasting", "")
	require.ErrorIs(t, err, errs.ErrBadPayload)
	_, err = svc.Add(ctx, 120, model.Unit("stones"), time.Now(), "fasting", "")
	require.ErrorIs(t, err, errs.ErrBadPayload)
}

func TestAddFiresSyncTrigger(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{})
	svc := NewReadings(newTestStore(t), func(ctx context.Context) {
		fired.Add(1)
		close(done)
	}, nil)

	_, err := svc.Add(context.Background(), 120, model.UnitMgdL, time.Now(), "fasting", "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync trigger never fired")
	}
	require.Equal(t, int32(1), fired.Load())
}

func TestUpdateSyncedReadingQueuesUpdate(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.PutReading(ctx, model.Reading{
		LocalID: "r1", RemoteID: 7, Value: 100, Unit: model.UnitMgdL,
		CapturedAt: time.Now().UTC(), Category: "fasting",
		Synced: true, Status: model.StatusNormal,
	}))

	r, err := svc.Update(ctx, "r1", 210, model.UnitMgdL, time.Now(), "post-meal", "")
	require.NoError(t, err)
	require.False(t, r.Synced)
	require.Equal(t, model.StatusHigh, r.Status)

	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.OpUpdate, entries[0].Op)
	require.Equal(t, int64(7), entries[0].RemoteID)
}

func TestUpdateLocalOnlyReadingReplacesCreate(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	r, err := svc.Add(ctx, 100, model.UnitMgdL, time.Now(), "fasting", "")
	require.NoError(t, err)

	_, err = svc.Update(ctx, r.LocalID, 130, model.UnitMgdL, time.Now(), "fasting", "")
	require.NoError(t, err)

	// Still exactly one create, carrying the fresh value.
	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.OpCreate, entries[0].Op)

	var params api.ReadingParams
	require.NoError(t, json.Unmarshal([]byte(entries[0].Payload), &params))
	require.Equal(t, 130.0, params.GlucoseLevel)
}

func TestUpdateMissingReading(t *testing.T) {
	svc := NewReadings(newTestStore(t), nil, nil)
	_, err := svc.Update(context.Background(), "nope", 120, model.UnitMgdL, time.Now(), "fasting", "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteSyncedReadingQueuesDelete(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.PutReading(ctx, model.Reading{
		LocalID: "r1", RemoteID: 7, Value: 100, Unit: model.UnitMgdL,
		CapturedAt: time.Now().UTC(), Synced: true, Status: model.StatusNormal,
	}))

	require.NoError(t, svc.Delete(ctx, "r1"))

	_, err := st.GetReading(ctx, "r1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.OpDelete, entries[0].Op)
	require.Equal(t, int64(7), entries[0].RemoteID)
}

func TestDeleteLocalOnlyReadingCancelsCreate(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	r, err := svc.Add(ctx, 100, model.UnitMgdL, time.Now(), "fasting", "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, r.LocalID))

	// The backend never saw it: nothing remains queued.
	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeleteMissingReading(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)

	err := svc.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestListRange(t *testing.T) {
	st := newTestStore(t)
	svc := NewReadings(st, nil, nil)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{90, 110, 130} {
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.PutReadingTx(ctx, tx, model.Reading{
				LocalID: string(rune('a' + i)), Value: v, Unit: model.UnitMgdL,
				CapturedAt: base.Add(time.Duration(i) * 24 * time.Hour),
				Status:     model.StatusNormal,
			})
		}))
	}

	got, err := svc.List(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 90.0, got[0].Value)
	require.Equal(t, 110.0, got[1].Value)
}
