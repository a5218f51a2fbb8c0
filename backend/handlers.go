package backend

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skyborne/stratotrack/monitoring"
	"github.com/skyborne/stratotrack/predict"
	"github.com/skyborne/stratotrack/storage"
	"github.com/skyborne/stratotrack/wind"
)

// Value scoring accepts up to the full retained window; prediction is capped
// by the model horizon.
const maxValueHours = 24

// maxWindFieldPoints bounds a wind-field grid request.
const maxWindFieldPoints = 1000

// Refresher is the slice of the ingest controller the API needs.
type Refresher interface {
	TriggerOnce(ctx context.Context) error
	StateName() string
}

// Server holds the read API dependencies.
type Server struct {
	query      *Query
	predictor  *predict.Predictor
	wind       predict.WindSource
	refresher  Refresher
	autoUpdate bool
}

func NewServer(q *Query, p *predict.Predictor, w predict.WindSource, r Refresher, autoUpdate bool) *Server {
	return &Server{query: q, predictor: p, wind: w, refresher: r, autoUpdate: autoUpdate}
}

// Routes mounts the API under /api.
func (s *Server) Routes(r chi.Router) {
	r.Get("/api/balloons", s.BalloonsHandler)
	r.Get("/api/balloons/history", s.HistoryHandler)
	r.Get("/api/balloons/{id}", s.BalloonHandler)
	r.Get("/api/balloons/{id}/value", s.ValueHandler)
	r.Get("/api/trajectory/wind-field", s.WindFieldHandler)
	r.Get("/api/trajectory/{id}", s.PredictHandler)
	r.Get("/api/health", s.HealthHandler)
	r.Post("/api/refresh", s.RefreshHandler)
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, E(KindInvalidArgument, "%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func floatQuery(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, E(KindInvalidArgument, "%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, E(KindInvalidArgument, "%s must be a finite number, got %q", name, raw)
	}
	return v, nil
}

// BalloonsHandler returns the fleet at one retained hour. Trajectories are
// not inlined; clients fetch them per balloon.
func (s *Server) BalloonsHandler(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "hour_offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.query.PositionsAt(offset)
	if err != nil {
		writeError(w, err)
		return
	}
	health, err := s.query.Health(s.autoUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		UpdatedAt      string                    `json:"updated_at"`
		DataAgeMinutes float64                   `json:"data_age_minutes"`
		BalloonCount   int                       `json:"balloon_count"`
		Balloons       []storage.TrackedPosition `json:"balloons"`
	}{
		UpdatedAt:      health.LastUpdate,
		DataAgeMinutes: health.DataAgeMinutes,
		BalloonCount:   len(rows),
		Balloons:       rows,
	})
}

// BalloonHandler returns one balloon's trajectory partitioned around the
// reference hour.
func (s *Server) BalloonHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset, err := intQuery(r, "hour_offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	historical, future, err := s.query.TrajectoryFor(id, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		BalloonID  string `json:"balloon_id"`
		Trajectory struct {
			Historical []storage.TrackedPosition `json:"historical_positions"`
			Future     []storage.TrackedPosition `json:"future_positions"`
		} `json:"trajectory"`
		ReferenceHourOffset int `json:"reference_hour_offset"`
	}{
		BalloonID: id,
		Trajectory: struct {
			Historical []storage.TrackedPosition `json:"historical_positions"`
			Future     []storage.TrackedPosition `json:"future_positions"`
		}{Historical: historical, Future: future},
		ReferenceHourOffset: offset,
	})
}

// ValueHandler scores prediction accuracy against the balloon's own history.
func (s *Server) ValueHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hours, err := intQuery(r, "hours", 6)
	if err != nil {
		writeError(w, err)
		return
	}
	hours = min(max(hours, 1), maxValueHours)
	method := r.URL.Query().Get("method")
	if method == "" {
		method = predict.MethodHybrid
	}
	if !predict.ValidMethod(method) {
		writeError(w, E(KindInvalidArgument, "unknown method %q", method))
		return
	}
	traj, err := s.query.Trajectory(id)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.predictor.Score(r.Context(), id, traj, hours, method)
	if err != nil {
		var rl *wind.RateLimitError
		switch {
		case errors.As(err, &rl):
			writeError(w, E(KindWindRateLimited, "wind provider throttled, retry later"))
		case errors.Is(err, predict.ErrTrajectoryTooShort):
			writeError(w, E(KindInvalidArgument, "%v", err))
		default:
			writeError(w, E(KindWindUnavailable, "%v", err))
		}
		return
	}
	writeJSON(w, report)
}

// HistoryHandler returns every retained trail in one payload.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	trails, err := s.query.History()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, trails)
}

// PredictHandler extrapolates a balloon's future trajectory.
func (s *Server) PredictHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hours, err := intQuery(r, "hours", 6)
	if err != nil {
		writeError(w, err)
		return
	}
	hours = min(max(hours, 1), predict.MaxHorizonHours)
	method := r.URL.Query().Get("method")
	if method == "" {
		method = predict.MethodHybrid
	}
	if !predict.ValidMethod(method) {
		writeError(w, E(KindInvalidArgument, "unknown method %q", method))
		return
	}
	traj, err := s.query.Trajectory(id)
	if err != nil {
		writeError(w, err)
		return
	}
	current := traj[len(traj)-1]
	positions, err := s.predictor.Predict(r.Context(), current, traj, hours, method)
	if err != nil {
		var rl *wind.RateLimitError
		if errors.As(err, &rl) {
			writeError(w, E(KindWindRateLimited, "wind provider throttled, retry later"))
			return
		}
		writeError(w, E(KindWindUnavailable, "%v", err))
		return
	}
	writeJSON(w, struct {
		BalloonID string             `json:"balloon_id"`
		Method    string             `json:"method"`
		Predicted []predict.Position `json:"predicted_positions"`
	}{BalloonID: id, Method: method, Predicted: positions})
}

// WindFieldHandler samples the wind over a lat/lon grid at one level,
// selected either by pressure (hPa) or by altitude (km).
func (s *Server) WindFieldHandler(w http.ResponseWriter, r *http.Request) {
	latMin, err := floatQuery(r, "latMin")
	if err != nil {
		writeError(w, err)
		return
	}
	latMax, err := floatQuery(r, "latMax")
	if err != nil {
		writeError(w, err)
		return
	}
	lngMin, err := floatQuery(r, "lngMin")
	if err != nil {
		writeError(w, err)
		return
	}
	lngMax, err := floatQuery(r, "lngMax")
	if err != nil {
		writeError(w, err)
		return
	}
	if latMax <= latMin || lngMax <= lngMin {
		writeError(w, E(KindInvalidArgument, "bounds must satisfy latMin<latMax and lngMin<lngMax"))
		return
	}
	grid, err := intQuery(r, "gridSize", 8)
	if err != nil {
		writeError(w, err)
		return
	}
	if grid < 2 || grid*grid > maxWindFieldPoints {
		writeError(w, E(KindInvalidArgument, "gridSize %d yields %d points, limit %d", grid, grid*grid, maxWindFieldPoints))
		return
	}

	altKm := 12.0
	if raw := r.URL.Query().Get("pressure"); raw != "" {
		hPa, err := strconv.ParseFloat(raw, 64)
		if err != nil || hPa <= 0 {
			writeError(w, E(KindInvalidArgument, "pressure must be a positive number, got %q", raw))
			return
		}
		altKm = wind.AltitudeForPressure(hPa)
	} else if raw := r.URL.Query().Get("altitude"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeError(w, E(KindInvalidArgument, "altitude must be a non-negative number, got %q", raw))
			return
		}
		altKm = v
	}

	hour := time.Now().UTC().Truncate(time.Hour)
	locs := make([]wind.Location, 0, grid*grid)
	latStep := (latMax - latMin) / float64(grid-1)
	lngStep := (lngMax - lngMin) / float64(grid-1)
	for i := 0; i < grid; i++ {
		for j := 0; j < grid; j++ {
			locs = append(locs, wind.Location{
				Lat: latMin + float64(i)*latStep, Lon: lngMin + float64(j)*lngStep,
				AltKm: altKm, TS: hour,
			})
		}
	}
	vectors, err := s.wind.WindFor(r.Context(), locs)
	if err != nil {
		var rl *wind.RateLimitError
		if errors.As(err, &rl) {
			writeError(w, E(KindWindRateLimited, "wind provider throttled, retry later"))
			return
		}
		writeError(w, E(KindWindUnavailable, "%v", err))
		return
	}
	data := make([]wind.Vector, 0, len(vectors))
	for _, loc := range locs {
		if v, ok := vectors[wind.Key(loc.Lat, loc.Lon, loc.AltKm, loc.TS)]; ok {
			data = append(data, v)
		}
	}
	writeJSON(w, struct {
		Grid  int           `json:"grid"`
		Count int           `json:"count"`
		Data  []wind.Vector `json:"data"`
	}{Grid: grid, Count: len(data), Data: data})
}

// HealthHandler reports data freshness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health, err := s.query.Health(s.autoUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, health)
}

// RefreshHandler triggers one ingest cycle and reports the result counters.
func (s *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.refresher.TriggerOnce(r.Context()); err != nil {
		monitoring.Debugf("manual refresh failed: %v", err)
	}
	rows, err := s.query.PositionsAt(0)
	if err != nil {
		writeError(w, err)
		return
	}
	latest := ""
	if h, qerr := s.query.Health(s.autoUpdate); qerr == nil {
		latest = h.LastUpdate
	}
	writeJSON(w, struct {
		State        string `json:"state"`
		BalloonCount int    `json:"balloon_count"`
		LatestHour   string `json:"latest_hour"`
	}{State: s.refresher.StateName(), BalloonCount: len(rows), LatestHour: latest})
}
