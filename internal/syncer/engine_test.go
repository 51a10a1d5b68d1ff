package syncer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/diasync/internal/api"
	"github.com/mobiletoly/diasync/internal/convert"
	"github.com/mobiletoly/diasync/internal/model"
	"github.com/mobiletoly/diasync/internal/store"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) error
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx)
	}
	return nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func online(ctx context.Context) bool  { return true }
func offline(ctx context.Context) bool { return false }

func newTestEngine(t *testing.T, rt roundTripFunc, onlineFn func(context.Context) bool,
	refresher *fakeRefresher) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := api.NewClient("http://backend.test", func(ctx context.Context) (string, error) {
		return "tok", nil
	}, nil)
	client.HTTP = &http.Client{Transport: rt}

	if refresher == nil {
		refresher = &fakeRefresher{}
	}
	return New(st, client, refresher, onlineFn, nil, nil), st
}

// enqueueCreate stages a local-only reading with its create queue entry, the
// way the readings service does.
func enqueueCreate(t *testing.T, st *store.Store, localID string, value float64, capturedAt time.Time) {
	t.Helper()
	r := model.Reading{
		LocalID:    localID,
		Value:      value,
		Unit:       model.UnitMgdL,
		CapturedAt: capturedAt,
		Category:   "fasting",
		LocalOnly:  true,
		Status:     convert.ClinicalStatus(value, model.UnitMgdL),
	}
	payload, err := json.Marshal(convert.ToRemoteParams(r))
	require.NoError(t, err)
	require.NoError(t, st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := st.PutReadingTx(context.Background(), tx, r); err != nil {
			return err
		}
		_, err := st.EnqueueTx(context.Background(), tx, model.SyncQueueEntry{
			Op: model.OpCreate, ReadingID: localID, Payload: string(payload),
			QueuedAt: time.Now().UTC(),
		})
		return err
	}))
}

func emptyPage() string { return `{"readings":[],"total":0}` }

func remoteRecord(id int64, value float64, createdAt string) string {
	return fmt.Sprintf(`{"id":%d,"user_id":1,"glucose_level":%g,"reading_type":"fasting","created_at":"%s"}`,
		id, value, createdAt)
}

func TestPushCreateMarksSynced(t *testing.T) {
	var creates int
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/glucose/create", r.URL.Path)
		creates++
		return jsonResponse(200, remoteRecord(55, 120, "01/06/2024 08:00:00")), nil
	}, online, nil)

	enqueueCreate(t, st, "r1", 120, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC))

	res, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1, Failed: 0}, res)
	require.Equal(t, 1, creates)

	got, err := st.GetReading(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, int64(55), got.RemoteID)
	require.True(t, got.Synced)
	require.False(t, got.LocalOnly)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPushSkipsWhenOffline(t *testing.T) {
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no network call expected while offline")
		return nil, nil
	}, offline, nil)

	enqueueCreate(t, st, "r1", 120, time.Now().UTC())

	res, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushResult{}, res)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPushRefreshOnceAndRetry(t *testing.T) {
	// First create attempt is rejected 401; after exactly one refresh the
	// retried attempt succeeds.
	attempts := 0
	refresher := &fakeRefresher{}
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/glucose/create", r.URL.Path)
		attempts++
		if attempts == 1 {
			return jsonResponse(401, `{"detail":"expired"}`), nil
		}
		return jsonResponse(200, remoteRecord(77, 120, "01/06/2024 08:00:00")), nil
	}, online, refresher)

	enqueueCreate(t, st, "r1", 120, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC))

	res, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1, Failed: 0}, res)
	require.Equal(t, 1, refresher.callCount())
	require.Equal(t, 2, attempts)

	got, err := st.GetReading(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, int64(77), got.RemoteID)
	require.True(t, got.Synced)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPushSingleRefreshForWholeBatch(t *testing.T) {
	// Every attempt returns 401: the batch triggers exactly one refresh, the
	// retried entry fails again, and subsequent entries fail without new
	// refreshes. Entries stay queued with bumped retry counters.
	refresher := &fakeRefresher{}
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"detail":"expired"}`), nil
	}, online, refresher)

	enqueueCreate(t, st, "r1", 120, time.Now().UTC())
	enqueueCreate(t, st, "r2", 130, time.Now().UTC())

	res, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 0, Failed: 2}, res)
	require.Equal(t, 1, refresher.callCount())

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].Retries)
	require.Equal(t, 1, entries[1].Retries)
}

func TestPushContinuesPastFailures(t *testing.T) {
	// The middle entry hits a server error; the rest of the batch still runs.
	var nextID int64
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		q := r.URL.Query()
		if q.Get("glucose_level") == "130" {
			return jsonResponse(500, `{"detail":"boom"}`), nil
		}
		nextID++
		return jsonResponse(200, remoteRecord(nextID, 0, "01/06/2024 08:00:00")), nil
	}, online, nil)

	enqueueCreate(t, st, "r1", 120, time.Now().UTC())
	enqueueCreate(t, st, "r2", 130, time.Now().UTC())
	enqueueCreate(t, st, "r3", 140, time.Now().UTC())

	res, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 2, Failed: 1}, res)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "r2", entries[0].ReadingID)
	require.Equal(t, 1, entries[0].Retries)
}

func TestConcurrentPushCollapses(t *testing.T) {
	// Two back-to-back pushes share one drain: the server sees a single
	// create and both callers get equal results.
	var mu sync.Mutex
	creates := 0
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		creates++
		mu.Unlock()
		time.Sleep(150 * time.Millisecond) // widen the overlap window
		return jsonResponse(200, remoteRecord(91, 120, "01/06/2024 08:00:00")), nil
	}, online, nil)

	enqueueCreate(t, st, "r1", 120, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	results := make([]PushResult, 2)
	errors := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errors[i] = e.Push(context.Background())
		}(i)
	}
	wg.Wait()
	require.NoError(t, errors[0])
	require.NoError(t, errors[1])

	require.Equal(t, results[0], results[1])
	require.Equal(t, PushResult{Pushed: 1, Failed: 0}, results[0])
	require.Equal(t, 1, creates)

	entries, err := st.PendingEntries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPullInsertsNewReadings(t *testing.T) {
	page := fmt.Sprintf(`{"readings":[%s,%s],"total":2}`,
		remoteRecord(1, 110, "01/06/2024 08:00:00"),
		remoteRecord(2, 95, "01/06/2024 12:00:00"))
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/glucose/mine", r.URL.Path)
		return jsonResponse(200, page), nil
	}, online, nil)

	res, err := e.Pull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullResult{Fetched: 2, Merged: 2}, res)

	got, err := st.GetReadingByRemoteID(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, got.Synced)
	require.False(t, got.LocalOnly)
	// 08:00 at UTC-3 is 11:00 UTC.
	require.Equal(t, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), got.CapturedAt)
}

func TestPullIsIdempotent(t *testing.T) {
	page := fmt.Sprintf(`{"readings":[%s],"total":1}`, remoteRecord(5, 110, "01/06/2024 08:00:00"))
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, page), nil
	}, online, nil)

	res, err := e.Pull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullResult{Fetched: 1, Merged: 1}, res)

	// Pulling the same record again does not duplicate it.
	res, err = e.Pull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullResult{Fetched: 1, Merged: 0}, res)

	all, err := st.QueryReadings(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPullServerWins(t *testing.T) {
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		page := fmt.Sprintf(`{"readings":[%s],"total":1}`, remoteRecord(5, 200, "01/06/2024 08:00:00"))
		return jsonResponse(200, page), nil
	}, online, nil)
	ctx := context.Background()

	// Local copy of remote #5 with a diverged value.
	require.NoError(t, st.PutReading(ctx, model.Reading{
		LocalID: "r1", RemoteID: 5, Value: 110, Unit: model.UnitMgdL,
		CapturedAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
		Category:   "fasting", Synced: true, Status: model.StatusNormal,
	}))

	res, err := e.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, PullResult{Fetched: 1, Merged: 0}, res)

	got, err := st.GetReading(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 200.0, got.Value)
	require.Equal(t, model.StatusHigh, got.Status)
	require.True(t, got.Synced)
}

func TestPullLinksFuzzyMatch(t *testing.T) {
	// A local-only reading created moments before the server echoed it back:
	// same value, capture time within the second-granularity window.
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		page := fmt.Sprintf(`{"readings":[%s],"total":1}`, remoteRecord(9, 120, "01/06/2024 08:00:00"))
		return jsonResponse(200, page), nil
	}, online, nil)
	ctx := context.Background()

	// 08:00:00 at UTC-3 == 11:00:00 UTC; local copy has sub-second skew.
	enqueueCreate(t, st, "r1", 120, time.Date(2024, 6, 1, 11, 0, 0, 450e6, time.UTC))

	res, err := e.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, PullResult{Fetched: 1, Merged: 0}, res)

	got, err := st.GetReading(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(9), got.RemoteID)
	require.True(t, got.Synced)
	require.False(t, got.LocalOnly)

	// The confirmed create was dropped from the queue.
	entries, err := st.PendingEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	// And no duplicate was inserted.
	all, err := st.QueryReadings(ctx,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPullPaginates(t *testing.T) {
	var offsets []string
	e, _ := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		if offset == "0" {
			// PageSize is 100; fill a full page to force a second fetch.
			recs := make([]string, 100)
			for i := range recs {
				recs[i] = remoteRecord(int64(i+1), 100, "01/06/2024 08:00:00")
			}
			return jsonResponse(200, fmt.Sprintf(`{"readings":[%s],"total":101}`, joinRecords(recs))), nil
		}
		return jsonResponse(200, fmt.Sprintf(`{"readings":[%s],"total":101}`,
			remoteRecord(101, 100, "01/06/2024 09:00:00"))), nil
	}, online, nil)

	res, err := e.Pull(context.Background())
	require.NoError(t, err)
	require.Equal(t, 101, res.Fetched)
	require.Equal(t, []string{"0", "100"}, offsets)
}

func joinRecords(recs []string) string {
	out := recs[0]
	for _, r := range recs[1:] {
		out += "," + r
	}
	return out
}

func TestFullSyncPushFailureDoesNotBlockPull(t *testing.T) {
	// Queue access works but the backend rejects creates outright, while the
	// pull succeeds: FullSync still reports pull counts.
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/glucose/create":
			return jsonResponse(500, `{"detail":"boom"}`), nil
		case "/glucose/mine":
			page := fmt.Sprintf(`{"readings":[%s],"total":1}`, remoteRecord(3, 90, "01/06/2024 08:00:00"))
			return jsonResponse(200, page), nil
		}
		return nil, fmt.Errorf("unexpected request %s", r.URL.Path)
	}, online, nil)

	enqueueCreate(t, st, "r1", 120, time.Now().UTC())

	sum, err := e.FullSync(context.Background())
	require.NoError(t, err) // per-entry push failures are counted, not raised
	require.Equal(t, PushResult{Pushed: 0, Failed: 1}, sum.Push)
	require.Equal(t, PullResult{Fetched: 1, Merged: 1}, sum.Pull)
}

func TestPushDeleteEntry(t *testing.T) {
	var deleted string
	e, st := newTestEngine(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodDelete, r.Method)
		deleted = r.URL.Path
		return jsonResponse(204, ``), nil
	}, online, nil)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := st.EnqueueTx(ctx, tx, model.SyncQueueEntry{
			Op: model.OpDelete, ReadingID: "gone", RemoteID: 44, QueuedAt: time.Now().UTC(),
		})
		return err
	}))

	res, err := e.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1, Failed: 0}, res)
	require.Equal(t, "/glucose/44", deleted)
}
