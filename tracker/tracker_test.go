package tracker

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyborne/stratotrack/geo"
	"github.com/skyborne/stratotrack/storage"
)

var trackHour = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func minter(start int) func() string {
	n := start
	return func() string {
		id := fmt.Sprintf("balloon_%04d", n)
		n++
		return id
	}
}

func prevAt(id string, lat, lon, alt float64) storage.TrackedPosition {
	return storage.TrackedPosition{
		ID: id, TS: trackHour.Add(-time.Hour).Unix(),
		Lat: lat, Lon: lon, AltKm: alt,
		Status: storage.StatusActive, Confidence: 1,
	}
}

func withVelocity(p storage.TrackedPosition, speed, heading float64) storage.TrackedPosition {
	p.SpeedKmh = speed
	p.HeadingDeg = heading
	p.HasVelocity = true
	return p
}

func TestFirstHourMintsEverything(t *testing.T) {
	obs := []storage.Observation{
		{Lat: 10, Lon: 20, AltKm: 12},
		{Lat: -5, Lon: 100, AltKm: 18},
	}
	out, err := Track(obs, nil, nil, trackHour, minter(1))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i, p := range out {
		assert.Equal(t, fmt.Sprintf("balloon_%04d", i+1), p.ID)
		assert.Equal(t, storage.StatusNew, p.Status)
		assert.Equal(t, 1.0, p.Confidence)
		assert.False(t, p.HasVelocity)
		assert.Equal(t, trackHour.Unix(), p.TS)
	}
}

func TestContinuityKeepsID(t *testing.T) {
	prev := []storage.TrackedPosition{prevAt("balloon_0007", 40, -100, 15)}
	// drifted ~50 km east
	obs := []storage.Observation{{Lat: 40, Lon: -99.4, AltKm: 15.2}}

	out, err := Track(obs, prev, nil, trackHour, minter(100))
	require.NoError(t, err)
	require.Len(t, out, 1)
	p := out[0]
	assert.Equal(t, "balloon_0007", p.ID)
	assert.Equal(t, storage.StatusActive, p.Status)
	assert.True(t, p.HasVelocity)
	assert.InDelta(t, geo.DistanceKm(40, -100, 40, -99.4), p.SpeedKmh, 1e-9)
	assert.InDelta(t, 90, p.HeadingDeg, 1.0)
	assert.GreaterOrEqual(t, p.Confidence, 0.3)
}

func TestLongJumpMintsNewID(t *testing.T) {
	// 800 km jump violates the distance gate: old id is retired, not re-emitted
	prev := []storage.TrackedPosition{prevAt("balloon_0001", 0, 0, 12)}
	obs := []storage.Observation{{Lat: 0, Lon: 7.2, AltKm: 12}} // ~800 km

	out, err := Track(obs, prev, nil, trackHour, minter(2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "balloon_0002", out[0].ID)
	assert.Equal(t, storage.StatusNew, out[0].Status)
	assert.Equal(t, 0.5, out[0].Confidence)
}

func TestAltitudeGate(t *testing.T) {
	prev := []storage.TrackedPosition{prevAt("balloon_0001", 0, 0, 5)}
	obs := []storage.Observation{{Lat: 0, Lon: 0.1, AltKm: 16}} // 11 km climb

	out, err := Track(obs, prev, nil, trackHour, minter(2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, storage.StatusNew, out[0].Status)
}

func TestHeadingReversalGate(t *testing.T) {
	// prior velocity says eastbound at 100 km/h; the observation sits 100 km
	// due west. Heading change of 180 degrees is gated.
	prev := []storage.TrackedPosition{withVelocity(prevAt("balloon_0001", 0, 0, 12), 100, 90)}
	obs := []storage.Observation{{Lat: 0, Lon: -0.9, AltKm: 12}}

	out, err := Track(obs, prev, nil, trackHour, minter(2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "balloon_0002", out[0].ID)
}

func TestSwapPrevention(t *testing.T) {
	// A eastbound, B westbound, crossing paths. Heading continuity dominates
	// the cost, so each keeps its own lane.
	a := withVelocity(prevAt("balloon_0001", 0, 0, 12), 100, 90)
	b := withVelocity(prevAt("balloon_0002", 0.2, 1.8, 12), 100, 270)
	obs := []storage.Observation{
		{Lat: 0, Lon: 0.9, AltKm: 12},   // A continuing east
		{Lat: 0.2, Lon: 0.9, AltKm: 12}, // B continuing west
	}

	out, err := Track(obs, []storage.TrackedPosition{a, b}, nil, trackHour, minter(3))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "balloon_0001", out[0].ID)
	assert.Equal(t, "balloon_0002", out[1].ID)
}

func TestContestedAssignmentResolvedByHungarian(t *testing.T) {
	// Both observations are nearest to A; total cost is minimized by giving
	// A to the closer one and B to the other.
	a := prevAt("balloon_0001", 0, 0, 12)
	b := prevAt("balloon_0002", 0, 1.0, 12)
	obs := []storage.Observation{
		{Lat: 0, Lon: 0.1, AltKm: 12},
		{Lat: 0, Lon: 0.2, AltKm: 12},
	}

	out, err := Track(obs, []storage.TrackedPosition{a, b}, nil, trackHour, minter(3))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "balloon_0001", out[0].ID)
	assert.Equal(t, "balloon_0002", out[1].ID)
	for _, p := range out {
		assert.Equal(t, storage.StatusActive, p.Status)
	}
}

func TestHardGatesNeverViolated(t *testing.T) {
	// ring of balloons with random-ish drifts; every surviving match must
	// respect the pairwise gates
	var prev []storage.TrackedPosition
	var obs []storage.Observation
	for i := 0; i < 12; i++ {
		lat := float64(i*3 - 18)
		prev = append(prev, prevAt(fmt.Sprintf("balloon_%04d", i), lat, float64(i*10-60), 10+float64(i%5)))
		obs = append(obs, storage.Observation{
			Lat:   lat + 0.3*float64(i%3),
			Lon:   float64(i*10-60) + 0.5,
			AltKm: 10 + float64(i%5) + 0.4,
		})
	}
	out, err := Track(obs, prev, nil, trackHour, minter(100))
	require.NoError(t, err)

	byID := map[string]storage.TrackedPosition{}
	for _, p := range prev {
		byID[p.ID] = p
	}
	for _, p := range out {
		q, ok := byID[p.ID]
		if !ok {
			continue // minted
		}
		assert.LessOrEqual(t, geo.DistanceKm(q.Lat, q.Lon, p.Lat, p.Lon), MaxDistancePerHourKm)
		assert.LessOrEqual(t, math.Abs(q.AltKm-p.AltKm), MaxAltDeltaKm)
	}
}

func TestSmoothVelocityWeightsRecentSegments(t *testing.T) {
	// three segments east at 100, 120, 140 km/h: smoothed speed leans toward
	// the most recent
	base := trackHour.Add(-4 * time.Hour)
	var hist []storage.TrackedPosition
	lon := 0.0
	speeds := []float64{100, 120, 140}
	hist = append(hist, storage.TrackedPosition{ID: "balloon_0001", TS: base.Unix(), Lat: 0, Lon: lon})
	for k, s := range speeds {
		lon += s / 111.19
		hist = append(hist, storage.TrackedPosition{
			ID: "balloon_0001", TS: base.Add(time.Duration(k+1) * time.Hour).Unix(),
			Lat: 0, Lon: lon,
		})
	}
	v := smoothVelocity(hist, hist[len(hist)-1])
	require.True(t, v.ok)
	// weighted mean (1*100+2*120+3*140)/6 = 126.67
	assert.InDelta(t, 126.67, v.speedKmh, 1.5)
	assert.InDelta(t, 90, v.headingDeg, 1.0)
}

func TestSmoothVelocityFallsBackToPrev(t *testing.T) {
	p := withVelocity(prevAt("balloon_0001", 0, 0, 12), 55, 180)
	v := smoothVelocity(nil, p)
	require.True(t, v.ok)
	assert.Equal(t, 55.0, v.speedKmh)
	assert.Equal(t, 180.0, v.headingDeg)

	v = smoothVelocity(nil, prevAt("balloon_0002", 0, 0, 12))
	assert.False(t, v.ok)
}

func TestSolveAssignmentMinimizesTotal(t *testing.T) {
	m := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	res := solveAssignment(m)
	require.Len(t, res, 3)
	// optimal: row0->col1 (1), row1->col0 (2), row2->col2 (2) = 5
	assert.Equal(t, []int{1, 0, 2}, res)

	// permutation property
	seen := map[int]bool{}
	for _, c := range res {
		assert.False(t, seen[c])
		seen[c] = true
	}
}

func TestSolveAssignmentWithSentinelPadding(t *testing.T) {
	m := [][]float64{
		{5, sentinelCost},
		{sentinelCost, sentinelCost},
	}
	res := solveAssignment(m)
	assert.Equal(t, 0, res[0])
}
