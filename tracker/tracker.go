// Package tracker assigns persistent balloon identities across consecutive
// hourly snapshots. It is pure given its inputs: no I/O, no clocks.
//
// Matching runs in two phases over a spatial pre-filter: a greedy pass
// commits cheap uncontested matches, then Kuhn–Munkres resolves the
// contested remainder. Unmatched previous balloons are retired implicitly
// (their last stored row remains); unmatched current observations are minted
// fresh ids.
package tracker

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/skyborne/stratotrack/geo"
	"github.com/skyborne/stratotrack/monitoring"
	"github.com/skyborne/stratotrack/storage"
)

// Hard gates and cost shaping constants.
const (
	MaxDistancePerHourKm = 600.0
	MaxAltDeltaKm        = 10.0
	MaxDirChangeDeg      = 45.0
	TypicalDriftKm       = 150.0

	slowSpeedKmh = 10.0 // below this, heading is too noisy to score

	greedyCostThreshold    = 30.0
	greedyAltWindowKm      = 5.0
	hungarianCostThreshold = 70.0
	sentinelCost           = 1e6

	weightDistance = 0.15
	weightHeading  = 0.55
	weightSpeed    = 0.10
	weightAltitude = 0.20
)

// prefilter half-width in degrees: 1.5 x max hourly travel at ~111 km/deg.
const prefilterHalfWidthDeg = 1.5 * MaxDistancePerHourKm / 111.0

// History holds per-id recent positions (ascending by time, ending at the
// previous hour) used for velocity smoothing. Three segments suffice.
type History = map[string][]storage.TrackedPosition

// HistoryDepth is how many positions per id the smoothing window needs.
const HistoryDepth = 4 // 3 segments

// Track matches current-hour observations against the previous hour's
// tracked balloons and returns the tracked positions at hour t. mintID is
// called once per unmatched observation to issue a fresh id.
func Track(current []storage.Observation, prev []storage.TrackedPosition, history History, t time.Time, mintID func() string) ([]storage.TrackedPosition, error) {
	ts := t.UTC().Truncate(time.Hour).Unix()

	// First hour ever: everything is new at full confidence.
	if len(prev) == 0 {
		out := make([]storage.TrackedPosition, 0, len(current))
		for _, obs := range current {
			out = append(out, mint(obs, ts, mintID(), 1.0))
		}
		monitoring.TrackerAssignments.WithLabelValues("new").Add(float64(len(out)))
		return out, nil
	}

	candidates, err := prefilter(current, prev)
	if err != nil {
		return nil, err
	}

	// Smoothed velocity per previous balloon, computed once.
	smoothed := make([]velocity, len(prev))
	for j, p := range prev {
		smoothed[j] = smoothVelocity(history[p.ID], p)
	}

	// Pairwise costs, gates applied.
	costs := make([]map[int]float64, len(current))
	for i, obs := range current {
		costs[i] = map[int]float64{}
		for _, j := range candidates[i] {
			if c := pairCost(obs, prev[j], smoothed[j]); !math.IsInf(c, 1) {
				costs[i][j] = c
			}
		}
	}

	matchedPrev := make([]bool, len(prev))
	assignment := make([]int, len(current)) // -1 = unmatched
	assignCost := make([]float64, len(current))
	for i := range assignment {
		assignment[i] = -1
	}

	greedyPhase(current, prev, costs, matchedPrev, assignment, assignCost)
	hungarianPhase(costs, matchedPrev, assignment, assignCost)

	out := make([]storage.TrackedPosition, 0, len(current))
	minted := 0
	for i, obs := range current {
		j := assignment[i]
		if j < 0 {
			out = append(out, mint(obs, ts, mintID(), 0.5))
			minted++
			continue
		}
		p := prev[j]
		dist := geo.DistanceKm(p.Lat, p.Lon, obs.Lat, obs.Lon)
		out = append(out, storage.TrackedPosition{
			ID:          p.ID,
			TS:          ts,
			Lat:         obs.Lat,
			Lon:         obs.Lon,
			AltKm:       obs.AltKm,
			SpeedKmh:    dist,
			HeadingDeg:  geo.BearingDeg(p.Lat, p.Lon, obs.Lat, obs.Lon),
			HasVelocity: true,
			Status:      storage.StatusActive,
			Confidence:  math.Max(0.3, math.Exp(-2*assignCost[i]/100)),
		})
	}
	monitoring.TrackerAssignments.WithLabelValues("new").Add(float64(minted))
	return out, nil
}

func mint(obs storage.Observation, ts int64, id string, confidence float64) storage.TrackedPosition {
	return storage.TrackedPosition{
		ID:         id,
		TS:         ts,
		Lat:        obs.Lat,
		Lon:        obs.Lon,
		AltKm:      obs.AltKm,
		Status:     storage.StatusNew,
		Confidence: confidence,
	}
}

// prefilter builds an in-memory spatial index over the previous positions and
// returns, per current observation, the candidate prev indices inside the
// bounding box.
func prefilter(current []storage.Observation, prev []storage.TrackedPosition) ([][]int, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.CreateSpatialIndex("pos", "p:*", buntdb.IndexRect); err != nil {
		return nil, err
	}
	err = db.Update(func(tx *buntdb.Tx) error {
		for j, p := range prev {
			if _, _, err := tx.Set(fmt.Sprintf("p:%d", j), buntdb.Point(p.Lon, p.Lat), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([][]int, len(current))
	err = db.View(func(tx *buntdb.Tx) error {
		for i, obs := range current {
			rect := buntdb.Rect(
				[]float64{obs.Lon - prefilterHalfWidthDeg, obs.Lat - prefilterHalfWidthDeg},
				[]float64{obs.Lon + prefilterHalfWidthDeg, obs.Lat + prefilterHalfWidthDeg},
			)
			if err := tx.Intersects("pos", rect, func(key, val string) bool {
				if j, perr := strconv.Atoi(key[2:]); perr == nil {
					out[i] = append(out[i], j)
				}
				return true
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type velocity struct {
	speedKmh   float64
	headingDeg float64
	ok         bool
}

// smoothVelocity averages the most recent up to three segments of a balloon's
// history, weighted 1,2,3 oldest to newest, with a circular mean for heading.
// Without history it falls back to the previous position's own velocity.
func smoothVelocity(hist []storage.TrackedPosition, prev storage.TrackedPosition) velocity {
	var speeds, headings, weights []float64
	if n := len(hist); n >= 2 {
		segStart := max(0, n-HistoryDepth)
		segs := hist[segStart:]
		w := 1.0
		for k := 1; k < len(segs); k++ {
			a, b := segs[k-1], segs[k]
			d := geo.DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
			hours := float64(b.TS-a.TS) / 3600
			if hours <= 0 {
				continue
			}
			speeds = append(speeds, d/hours)
			headings = append(headings, geo.BearingDeg(a.Lat, a.Lon, b.Lat, b.Lon))
			weights = append(weights, w)
			w++
		}
	}
	if len(speeds) == 0 {
		if prev.HasVelocity {
			return velocity{speedKmh: prev.SpeedKmh, headingDeg: prev.HeadingDeg, ok: true}
		}
		return velocity{}
	}
	var speedSum, weightSum float64
	for i, s := range speeds {
		speedSum += weights[i] * s
		weightSum += weights[i]
	}
	return velocity{
		speedKmh:   speedSum / weightSum,
		headingDeg: geo.CircularMeanDeg(headings, weights),
		ok:         true,
	}
}

// pairCost scores a (current, previous) pairing. Hard gates return +Inf;
// otherwise the weighted soft cost is scaled to a 0-100 range.
func pairCost(obs storage.Observation, prev storage.TrackedPosition, vel velocity) float64 {
	dist := geo.DistanceKm(prev.Lat, prev.Lon, obs.Lat, obs.Lon)
	if dist > MaxDistancePerHourKm {
		return math.Inf(1)
	}
	altDelta := math.Abs(obs.AltKm - prev.AltKm)
	if altDelta > MaxAltDeltaKm {
		return math.Inf(1)
	}

	currHeading := geo.BearingDeg(prev.Lat, prev.Lon, obs.Lat, obs.Lon)
	currSpeed := dist // per 1h step

	headingChange := 0.0
	if vel.ok {
		headingChange = geo.HeadingDiffDeg(vel.headingDeg, currHeading)
		if headingChange > MaxDirChangeDeg {
			return math.Inf(1)
		}
	}

	// d_pred anchors on the projected position when we have a velocity,
	// on the raw displacement otherwise.
	dPred := dist
	if vel.ok {
		predLat, predLon := geo.Displace(prev.Lat, prev.Lon, vel.headingDeg, vel.speedKmh)
		dPred = geo.DistanceKm(predLat, predLon, obs.Lat, obs.Lon)
	}

	cost := weightDistance * sq(clamp(dPred/TypicalDriftKm, 0, 1))
	if vel.ok && vel.speedKmh > slowSpeedKmh {
		r := headingChange / MaxDirChangeDeg
		cost += weightHeading * r * r * r
	}
	if vel.ok && vel.speedKmh > 0 && currSpeed > 0 {
		cost += weightSpeed * math.Min(1, math.Abs(math.Log(currSpeed/vel.speedKmh))/math.Log(4))
	}
	cost += weightAltitude * sq(altDelta/MaxAltDeltaKm)
	return 100 * cost
}

func sq(v float64) float64 { return v * v }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// greedyPhase commits cheap, uncontested, altitude-close best candidates.
func greedyPhase(current []storage.Observation, prev []storage.TrackedPosition, costs []map[int]float64, matchedPrev []bool, assignment []int, assignCost []float64) {
	best := make([]int, len(current))
	bestCost := make([]float64, len(current))
	claims := map[int]int{} // prev index -> number of currents whose best it is
	for i := range current {
		best[i] = -1
		bestCost[i] = math.Inf(1)
		for j, c := range costs[i] {
			if c < bestCost[i] {
				best[i], bestCost[i] = j, c
			}
		}
		if best[i] >= 0 {
			claims[best[i]]++
		}
	}
	committed := 0
	for i := range current {
		j := best[i]
		if j < 0 || bestCost[i] >= greedyCostThreshold || claims[j] > 1 {
			continue
		}
		if math.Abs(current[i].AltKm-prev[j].AltKm) >= greedyAltWindowKm {
			continue
		}
		assignment[i] = j
		assignCost[i] = bestCost[i]
		matchedPrev[j] = true
		committed++
	}
	monitoring.TrackerAssignments.WithLabelValues("greedy").Add(float64(committed))
}

// hungarianPhase assigns the deferred currents to the still-unmatched prevs
// via a square Kuhn–Munkres matrix padded with a large sentinel.
func hungarianPhase(costs []map[int]float64, matchedPrev []bool, assignment []int, assignCost []float64) {
	var rows []int // current indices still unassigned with at least one live candidate
	for i := range assignment {
		if assignment[i] >= 0 {
			continue
		}
		for j := range costs[i] {
			if !matchedPrev[j] {
				rows = append(rows, i)
				break
			}
		}
	}
	var cols []int // unmatched prev indices
	for j, m := range matchedPrev {
		if !m {
			cols = append(cols, j)
		}
	}
	if len(rows) == 0 || len(cols) == 0 {
		return
	}

	n := max(len(rows), len(cols))
	matrix := make([][]float64, n)
	for r := range matrix {
		matrix[r] = make([]float64, n)
		for c := range matrix[r] {
			matrix[r][c] = sentinelCost
			if r < len(rows) && c < len(cols) {
				if cost, ok := costs[rows[r]][cols[c]]; ok {
					matrix[r][c] = cost
				}
			}
		}
	}

	committed := 0
	for r, c := range solveAssignment(matrix) {
		if r >= len(rows) || c >= len(cols) {
			continue
		}
		cost := matrix[r][c]
		if cost >= hungarianCostThreshold {
			continue
		}
		i, j := rows[r], cols[c]
		assignment[i] = j
		assignCost[i] = cost
		matchedPrev[j] = true
		committed++
	}
	monitoring.TrackerAssignments.WithLabelValues("hungarian").Add(float64(committed))
}
