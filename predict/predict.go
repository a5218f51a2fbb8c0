// Package predict produces short-horizon trajectory forecasts and scores
// their accuracy against held-out history.
//
// Three models are supported: persistence (straight-line extrapolation of the
// smoothed velocity), wind (drift along the upper-air wind at the anchor),
// and hybrid (0.6 wind + 0.4 persistence). Predictions are never persisted.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/skyborne/stratotrack/geo"
	"github.com/skyborne/stratotrack/storage"
	"github.com/skyborne/stratotrack/wind"
)

// Prediction methods.
const (
	MethodPersistence = "persistence"
	MethodWind        = "wind"
	MethodHybrid      = "hybrid"
)

// MaxHorizonHours bounds trajectory prediction requests.
const MaxHorizonHours = 12

// ErrTrajectoryTooShort rejects value scoring with fewer than two positions.
var ErrTrajectoryTooShort = errors.New("trajectory too short to score")

// ValidMethod reports whether m names a supported model.
func ValidMethod(m string) bool {
	return m == MethodPersistence || m == MethodWind || m == MethodHybrid
}

// WindSource resolves wind vectors for a set of locations, cache-first.
type WindSource interface {
	WindFor(ctx context.Context, locs []wind.Location) (map[string]wind.Vector, error)
}

// Position is a predicted future position. Method records the model that
// produced it, which may degrade to persistence when wind is unavailable.
type Position struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltKm      float64   `json:"alt_km"`
	TS         time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
}

// HourScore is one held-out comparison in a value report.
type HourScore struct {
	Hour      int        `json:"hour"`
	Actual    [2]float64 `json:"actual"`    // lat, lon
	Predicted [2]float64 `json:"predicted"` // lat, lon
	ErrorKm   float64    `json:"error_km"`
	Method    string     `json:"method"`
}

// ValueReport is the prediction-accuracy score for one balloon.
type ValueReport struct {
	BalloonID    string      `json:"balloon_id"`
	Method       string      `json:"method"`
	Hours        int         `json:"hours"`
	OverallScore float64     `json:"overall_value_score"` // mean error km, lower is better
	Detail       []HourScore `json:"hours_detail"`
}

// Predictor fuses persistence and wind-drift models.
type Predictor struct {
	Wind WindSource
}

func New(w WindSource) *Predictor { return &Predictor{Wind: w} }

// Predict extrapolates H hourly steps from current under the given method.
// Each predicted point anchors the next step.
func (p *Predictor) Predict(ctx context.Context, current storage.TrackedPosition, history []storage.TrackedPosition, hours int, method string) ([]Position, error) {
	if hours < 1 || hours > MaxHorizonHours {
		return nil, fmt.Errorf("hours %d out of range [1,%d]", hours, MaxHorizonHours)
	}
	if !ValidMethod(method) {
		return nil, fmt.Errorf("unknown method %q", method)
	}

	speed, heading := smoothedVelocity(history, current)

	out := make([]Position, 0, hours)
	anchor := Position{Lat: current.Lat, Lon: current.Lon, AltKm: current.AltKm, TS: current.Time()}
	for k := 1; k <= hours; k++ {
		ts := current.Time().Add(time.Duration(k) * time.Hour)

		persistLat, persistLon := anchor.Lat, anchor.Lon
		if speed > 0 {
			persistLat, persistLon = geo.Displace(anchor.Lat, anchor.Lon, heading, speed)
		}

		next := Position{AltKm: anchor.AltKm, TS: ts, Method: method}
		switch method {
		case MethodPersistence:
			next.Lat, next.Lon = persistLat, persistLon
			next.Confidence = math.Max(0.2, 0.8-0.15*float64(k))
		case MethodWind, MethodHybrid:
			// the anchor moves every step, so the wind column must be
			// requested where the balloon actually is; the cache absorbs
			// repeated buckets
			vectors, err := p.Wind.WindFor(ctx, []wind.Location{{
				Lat: anchor.Lat, Lon: anchor.Lon, AltKm: anchor.AltKm, TS: ts,
			}})
			if err != nil {
				return nil, err
			}
			v, ok := lookupWind(vectors, anchor.Lat, anchor.Lon, anchor.AltKm, ts)
			if !ok {
				if method == MethodWind {
					// no wind: hold the anchor
					next.Lat, next.Lon = anchor.Lat, anchor.Lon
					next.Confidence = 0.3
					break
				}
				// hybrid degrades to persistence
				next.Lat, next.Lon = persistLat, persistLon
				next.Confidence = math.Max(0.2, 0.8-0.15*float64(k))
				next.Method = MethodPersistence
				break
			}
			windLat, windLon := driftWith(v, anchor.Lat, anchor.Lon)
			if method == MethodWind {
				next.Lat, next.Lon = windLat, windLon
				next.Confidence = math.Max(0.3, 0.9-0.12*float64(k))
			} else {
				next.Lat = 0.6*windLat + 0.4*persistLat
				next.Lon = 0.6*windLon + 0.4*persistLon
				next.Confidence = math.Max(0.4, 0.95-0.1*float64(k))
			}
		}
		out = append(out, next)
		anchor = next
	}
	return out, nil
}

// driftWith advances one hour along the direction the wind blows toward.
func driftWith(v wind.Vector, lat, lon float64) (float64, float64) {
	toward := math.Mod(v.DirectionDeg+180, 360)
	return geo.Displace(lat, lon, toward, v.SpeedKmh)
}

func lookupWind(vectors map[string]wind.Vector, lat, lon, altKm float64, ts time.Time) (wind.Vector, bool) {
	if vectors == nil {
		return wind.Vector{}, false
	}
	v, ok := vectors[wind.Key(lat, lon, altKm, ts)]
	return v, ok
}

// Score replays 1-hour predictions along a held-out trajectory suffix and
// reports the mean great-circle error. Wind lookups are batched once for the
// whole trajectory; hours whose batch was rate-limited degrade to
// persistence, so the report always completes (errors stay finite).
func (p *Predictor) Score(ctx context.Context, id string, traj []storage.TrackedPosition, hours int, method string) (*ValueReport, error) {
	if !ValidMethod(method) {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if len(traj) < 2 {
		return nil, fmt.Errorf("%w: %s has %d positions", ErrTrajectoryTooShort, id, len(traj))
	}
	n := min(hours, len(traj)-1)

	var vectors map[string]wind.Vector
	if method != MethodPersistence {
		locs := make([]wind.Location, n)
		for i := 0; i < n; i++ {
			locs[i] = wind.Location{Lat: traj[i].Lat, Lon: traj[i].Lon, AltKm: traj[i].AltKm, TS: traj[i].Time()}
		}
		var err error
		vectors, err = p.Wind.WindFor(ctx, locs)
		if err != nil {
			return nil, err
		}
	}

	report := &ValueReport{BalloonID: id, Method: method, Hours: n}
	var total float64
	for i := 0; i < n; i++ {
		from, to := traj[i], traj[i+1]
		speed, heading := smoothedVelocity(traj[:i+1], from)

		persistLat, persistLon := from.Lat, from.Lon
		if speed > 0 {
			persistLat, persistLon = geo.Displace(from.Lat, from.Lon, heading, speed)
		}

		predLat, predLon := persistLat, persistLon
		used := MethodPersistence
		if method != MethodPersistence {
			// wind is bound at the segment start hour
			if v, ok := lookupWind(vectors, from.Lat, from.Lon, from.AltKm, from.Time()); ok {
				windLat, windLon := driftWith(v, from.Lat, from.Lon)
				if method == MethodWind {
					predLat, predLon = windLat, windLon
				} else {
					predLat = 0.6*windLat + 0.4*persistLat
					predLon = 0.6*windLon + 0.4*persistLon
				}
				used = method
			}
		}

		errKm := geo.DistanceKm(predLat, predLon, to.Lat, to.Lon)
		total += errKm
		report.Detail = append(report.Detail, HourScore{
			Hour:      i,
			Actual:    [2]float64{to.Lat, to.Lon},
			Predicted: [2]float64{predLat, predLon},
			ErrorKm:   errKm,
			Method:    used,
		})
	}
	report.OverallScore = total / float64(n)
	return report, nil
}

// smoothedVelocity mirrors the tracker's smoothing: weighted mean speed and
// circular-mean heading over the last up-to-three segments ending at current,
// falling back to current's own stored velocity.
func smoothedVelocity(history []storage.TrackedPosition, current storage.TrackedPosition) (speedKmh, headingDeg float64) {
	var speeds, headings, weights []float64
	if n := len(history); n >= 2 {
		segs := history[max(0, n-4):]
		w := 1.0
		for k := 1; k < len(segs); k++ {
			a, b := segs[k-1], segs[k]
			hoursApart := float64(b.TS-a.TS) / 3600
			if hoursApart <= 0 {
				continue
			}
			speeds = append(speeds, geo.DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)/hoursApart)
			headings = append(headings, geo.BearingDeg(a.Lat, a.Lon, b.Lat, b.Lon))
			weights = append(weights, w)
			w++
		}
	}
	if len(speeds) == 0 {
		if current.HasVelocity {
			return current.SpeedKmh, current.HeadingDeg
		}
		return 0, 0
	}
	var speedSum, weightSum float64
	for i, s := range speeds {
		speedSum += weights[i] * s
		weightSum += weights[i]
	}
	return speedSum / weightSum, geo.CircularMeanDeg(headings, weights)
}
