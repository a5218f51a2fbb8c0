package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyborne/stratotrack/geo"
	"github.com/skyborne/stratotrack/storage"
)

var feedEpoch = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

// fakeFeed serves a deterministic fleet drifting east at 50 km/h. Positions
// depend only on the absolute hour, so refetching an offset after the clock
// advances stays consistent.
type fakeFeed struct {
	clock *time.Time
	fleet int
	empty map[int]bool // offsets that return zero records
	fail  map[int]bool // offsets that return an error
	calls int
}

func (f *fakeFeed) FetchHour(_ context.Context, offset int) ([]storage.Observation, int, error) {
	f.calls++
	if f.fail[offset] {
		return nil, 0, errors.New("upstream 502")
	}
	if f.empty[offset] {
		return nil, 0, nil
	}
	t := f.clock.UTC().Truncate(time.Hour).Add(-time.Duration(offset) * time.Hour)
	hours := t.Sub(feedEpoch).Hours()
	obs := make([]storage.Observation, f.fleet)
	for i := range obs {
		lat, lon := geo.Displace(5+3*float64(i), -60, 90, 50*hours)
		obs[i] = storage.Observation{Lat: lat, Lon: lon, AltKm: 12 + 0.5*float64(i)}
	}
	return obs, 0, nil
}

func newTestController(t *testing.T, fleet int) (*Controller, *fakeFeed, *time.Time) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 8, 26, 12, 34, 0, 0, time.UTC)
	feed := &fakeFeed{clock: &clock, fleet: fleet}
	c := New(store, feed)
	c.now = func() time.Time { return clock }
	return c, feed, &clock
}

func TestColdStartRebuildsFullWindow(t *testing.T) {
	c, _, clock := newTestController(t, 5)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	snaps, err := c.store.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 24)

	nowHour := clock.UTC().Truncate(time.Hour)
	rows, err := c.store.TrackedAt(nowHour)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	// ids are stable across the whole rebuilt window
	for _, p := range rows {
		traj, err := c.store.Trajectory(p.ID)
		require.NoError(t, err)
		assert.Len(t, traj, 24)
		assert.Equal(t, storage.StatusActive, p.Status)
	}
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 5, maxID)
}

func TestTriggerOnceIdempotent(t *testing.T) {
	c, feed, _ := newTestController(t, 3)
	require.NoError(t, c.Start(context.Background()))
	fetchesAfterStart := feed.calls

	// same hour, second trigger: nothing to do
	require.NoError(t, c.TriggerOnce(context.Background()))
	require.NoError(t, c.TriggerOnce(context.Background()))
	assert.Equal(t, fetchesAfterStart, feed.calls)

	snaps, err := c.store.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 24)
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 3, maxID)
}

func TestIncrementalTickRollsWindow(t *testing.T) {
	c, _, clock := newTestController(t, 4)
	require.NoError(t, c.Start(context.Background()))
	firstHour := clock.UTC().Truncate(time.Hour)

	*clock = clock.Add(time.Hour)
	require.NoError(t, c.TriggerOnce(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	newHour := clock.UTC().Truncate(time.Hour)
	latest, ok, err := c.store.LatestSnapshotTime()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newHour, latest)

	// window rolled: still 24 snapshots, oldest one evicted
	snaps, err := c.store.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 24)
	assert.Equal(t, newHour, snaps[0].Time())
	assert.Equal(t, firstHour.Add(-22*time.Hour), snaps[len(snaps)-1].Time())

	// continuity: no new ids were minted
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 4, maxID)
	rows, err := c.store.TrackedAt(newHour)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, p := range rows {
		assert.True(t, p.HasVelocity)
		assert.InDelta(t, 50, p.SpeedKmh, 2)
	}
}

func TestCatchUpFillsGap(t *testing.T) {
	c, _, clock := newTestController(t, 3)
	require.NoError(t, c.Start(context.Background()))

	*clock = clock.Add(3 * time.Hour)
	require.NoError(t, c.TriggerOnce(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	nowHour := clock.UTC().Truncate(time.Hour)
	for back := 0; back < 3; back++ {
		snap, err := c.store.GetSnapshot(nowHour.Add(-time.Duration(back) * time.Hour))
		require.NoError(t, err)
		assert.Len(t, snap.Observations, 3)
	}
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 3, maxID)
}

func TestEmptyCurrentHourFallsBackToRebuild(t *testing.T) {
	c, feed, clock := newTestController(t, 3)
	require.NoError(t, c.Start(context.Background()))

	*clock = clock.Add(time.Hour)
	feed.empty = map[int]bool{0: true}
	require.NoError(t, c.TriggerOnce(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	// the missing hour stays missing, the rest of the window is rebuilt
	nowHour := clock.UTC().Truncate(time.Hour)
	_, err := c.store.GetSnapshot(nowHour)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	latest, ok, err := c.store.LatestSnapshotTime()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, nowHour.Add(-time.Hour), latest)

	// rebuild tracked against the persisted previous hours, so ids held
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 3, maxID)
}

func TestUpstreamErrorFallsBackToRebuild(t *testing.T) {
	c, feed, clock := newTestController(t, 3)
	require.NoError(t, c.Start(context.Background()))

	*clock = clock.Add(time.Hour)
	feed.fail = map[int]bool{0: true}
	require.NoError(t, c.TriggerOnce(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	// the failing hour is skipped; the rest of the window survives and the
	// controller keeps serving instead of parking in Failed
	nowHour := clock.UTC().Truncate(time.Hour)
	latest, ok, err := c.store.LatestSnapshotTime()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, nowHour.Add(-time.Hour), latest)
	maxID, err := c.store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 3, maxID)
}

func TestRebuildToleratesFailedHours(t *testing.T) {
	c, feed, clock := newTestController(t, 2)
	feed.fail = map[int]bool{23: true, 22: true}

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateSteady, c.State())

	snaps, err := c.store.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 22)
	rows, err := c.store.TrackedAt(clock.UTC().Truncate(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestConsecutiveStoreFailuresPark(t *testing.T) {
	c, _, _ := newTestController(t, 2)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.store.Close()) // every write from here on fails

	ctx := context.Background()
	for i := 0; i < maxStoreFailures; i++ {
		assert.Error(t, c.TriggerOnce(ctx))
	}
	assert.Equal(t, StateFailed, c.State())
}

func TestMintedIDsResumeAfterRestart(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.PutTracked([]storage.TrackedPosition{
		{ID: "balloon_0042", TS: feedEpoch.Unix(), Status: storage.StatusActive, Confidence: 1},
	}))

	clock := time.Date(2026, 8, 26, 12, 34, 0, 0, time.UTC)
	feed := &fakeFeed{clock: &clock, fleet: 1}
	c := New(store, feed)
	c.now = func() time.Time { return clock }

	require.NoError(t, c.Start(context.Background()))
	maxID, err := store.MaxNumericID()
	require.NoError(t, err)
	assert.Equal(t, 43, maxID) // counter rehydrated past 42
}
