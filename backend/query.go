// Package backend serves the read API over the snapshot store and wires the
// predictor and wind sampler behind it. All handlers are read-only; the one
// write path (refresh) delegates to the ingest controller.
package backend

import (
	"errors"
	"sort"
	"time"

	"github.com/skyborne/stratotrack/storage"
)

// MaxHourOffset is how far back positions_at may reach, matching the
// retained window.
const MaxHourOffset = 23

// Health classification thresholds in minutes of data age.
const (
	healthyAgeMin  = 65
	degradedAgeMin = 90
)

// Query answers read requests against the store. Offsets are recomputed
// against the current wall-clock hour on every call, so a stale client
// offset still lands on a real retained hour.
type Query struct {
	store *storage.Store
	now   func() time.Time
}

func NewQuery(store *storage.Store) *Query {
	return &Query{store: store, now: time.Now}
}

func (q *Query) nowHour() time.Time {
	return q.now().UTC().Truncate(time.Hour)
}

// PositionsAt returns every tracked position at now_hour minus the offset.
func (q *Query) PositionsAt(hourOffset int) ([]storage.TrackedPosition, error) {
	if hourOffset < 0 || hourOffset > MaxHourOffset {
		return nil, E(KindInvalidArgument, "hour_offset %d out of range [0,%d]", hourOffset, MaxHourOffset)
	}
	rows, err := q.store.TrackedAt(q.nowHour().Add(-time.Duration(hourOffset) * time.Hour))
	if err != nil {
		return nil, E(KindStoreReadFailed, "read tracked positions: %v", err)
	}
	return rows, nil
}

// TrajectoryFor partitions a balloon's trajectory around the reference
// hour. The position at the reference hour itself appears in both halves so
// rendered lines connect.
func (q *Query) TrajectoryFor(id string, refOffset int) (historical, future []storage.TrackedPosition, err error) {
	if refOffset < 0 || refOffset > MaxHourOffset {
		return nil, nil, E(KindInvalidArgument, "hour_offset %d out of range [0,%d]", refOffset, MaxHourOffset)
	}
	traj, err := q.store.Trajectory(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, E(KindNotFound, "balloon %s not found", id)
		}
		return nil, nil, E(KindStoreReadFailed, "read trajectory: %v", err)
	}
	ref := q.nowHour().Add(-time.Duration(refOffset) * time.Hour).Unix()
	for _, p := range traj {
		if p.TS <= ref {
			historical = append(historical, p)
		}
		if p.TS >= ref {
			future = append(future, p)
		}
	}
	return historical, future, nil
}

// Trajectory returns the full retained trajectory oldest-first.
func (q *Query) Trajectory(id string) ([]storage.TrackedPosition, error) {
	traj, err := q.store.Trajectory(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, E(KindNotFound, "balloon %s not found", id)
		}
		return nil, E(KindStoreReadFailed, "read trajectory: %v", err)
	}
	return traj, nil
}

// TrailPoint is one stop on a bulk history trail.
type TrailPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltKm float64 `json:"alt_km"`
	TS    string  `json:"ts"`
}

// BalloonTrail is one balloon's full retained trail, lightweight enough for
// time-slider scrubbing.
type BalloonTrail struct {
	ID    string       `json:"id"`
	Trail []TrailPoint `json:"trail"`
}

// History returns every retained trajectory, sorted by id.
func (q *Query) History() ([]BalloonTrail, error) {
	all, err := q.store.AllTrajectories()
	if err != nil {
		return nil, E(KindStoreReadFailed, "read trajectories: %v", err)
	}
	out := make([]BalloonTrail, 0, len(all))
	for id, traj := range all {
		trail := make([]TrailPoint, len(traj))
		for i, p := range traj {
			trail[i] = TrailPoint{Lat: p.Lat, Lon: p.Lon, AltKm: p.AltKm, TS: p.Time().Format(time.RFC3339)}
		}
		out = append(out, BalloonTrail{ID: id, Trail: trail})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HealthReport is the health() payload. Status depends only on data age.
type HealthReport struct {
	Status         string  `json:"status"`
	LastUpdate     string  `json:"last_update,omitempty"`
	DataAgeMinutes float64 `json:"data_age_minutes"`
	BalloonCount   int     `json:"balloon_count"`
	AutoUpdate     bool    `json:"auto_update"`
}

// Health reports data freshness: healthy under 65 minutes of age, degraded
// up to 90, unhealthy beyond that or with no data at all.
func (q *Query) Health(autoUpdate bool) (*HealthReport, error) {
	latest, ok, err := q.store.LatestSnapshotTime()
	if err != nil {
		return nil, E(KindStoreReadFailed, "read latest snapshot: %v", err)
	}
	if !ok {
		return &HealthReport{Status: "unhealthy", DataAgeMinutes: -1, AutoUpdate: autoUpdate}, nil
	}
	rows, err := q.store.TrackedAt(latest)
	if err != nil {
		return nil, E(KindStoreReadFailed, "read tracked positions: %v", err)
	}
	age := q.now().UTC().Sub(latest).Minutes()
	status := "healthy"
	switch {
	case age > degradedAgeMin:
		status = "unhealthy"
	case age >= healthyAgeMin:
		status = "degraded"
	}
	return &HealthReport{
		Status:         status,
		LastUpdate:     latest.Format(time.RFC3339),
		DataAgeMinutes: age,
		BalloonCount:   len(rows),
		AutoUpdate:     autoUpdate,
	}, nil
}
