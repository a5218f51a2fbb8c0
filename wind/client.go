// Package wind fetches upper-air wind vectors from the external atmospheric
// provider and caches them by quantized spatial/temporal bucket.
//
// The provider serves hourly pressure-level winds via GET query parameters
// (latitude/longitude CSV lists, hourly=wind_speed_<P>hPa,wind_direction_<P>hPa,
// past_days/forecast_days framing, timezone=UTC). Hour strings in the response
// are local-naive ISO timestamps treated as UTC.
package wind

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skyborne/stratotrack/monitoring"
)

// Location is a wind lookup request point. A zero TS means the current hour.
type Location struct {
	Lat   float64
	Lon   float64
	AltKm float64
	TS    time.Time
}

// Vector is an upper-air wind sample bound to a location and hour.
// Direction follows the meteorological "from" convention; U/V are the derived
// motion components in m/s (east-positive, north-positive).
type Vector struct {
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	AltKm        float64   `json:"alt_km"`
	PressureHPa  float64   `json:"pressure_hpa"`
	UMs          float64   `json:"u_ms"`
	VMs          float64   `json:"v_ms"`
	SpeedKmh     float64   `json:"speed_kmh"`
	DirectionDeg float64   `json:"direction_deg"` // bearing the wind blows from
	Hour         time.Time `json:"hour"`
}

// PressureLadder lists the provider's supported pressure levels in hPa.
var PressureLadder = []int{1000, 975, 950, 925, 900, 850, 800, 700, 600, 500, 400, 300, 250, 200, 150, 100, 70, 50, 30}

// Barometric approximation constants: P = P0 * exp(-h/H).
const (
	seaLevelHPa   = 1013.25
	scaleHeightKm = 7.4
)

// NearestPressure maps an altitude to the closest supported pressure level.
func NearestPressure(altKm float64) int {
	p := seaLevelHPa * math.Exp(-altKm/scaleHeightKm)
	best := PressureLadder[0]
	bestDiff := math.Abs(p - float64(best))
	for _, level := range PressureLadder[1:] {
		if d := math.Abs(p - float64(level)); d < bestDiff {
			best, bestDiff = level, d
		}
	}
	return best
}

// AltitudeForPressure inverts the barometric approximation.
func AltitudeForPressure(hPa float64) float64 {
	return -scaleHeightKm * math.Log(hPa/seaLevelHPa)
}

const (
	batchSize      = 300 // locations per outgoing request, URL-length-safe
	maxFrameDays   = 3
	bindWindow     = 90 * time.Minute
	pacingDelay    = 1 * time.Second
	rateLimitSleep = 10 * time.Second
	batchTimeout   = 30 * time.Second
)

// RateLimitError indicates the provider rejected a batch with HTTP 429.
type RateLimitError struct {
	Status int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("wind provider rate limited: status=%d", e.Status)
}

// Client batches wind lookups against the atmospheric provider, grouped by
// pressure level, consulting the cache before any network round trip.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *Cache

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time
}

// NewClient builds a provider client sharing the given cache.
func NewClient(baseURL string, cache *Cache) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: tr, Timeout: batchTimeout},
		cache:      cache,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// Cache exposes the shared vector cache (read path for the predictor).
func (c *Client) Cache() *Cache { return c.cache }

// WindFor resolves wind vectors for the given locations, keyed by their
// quantized bucket (see Key). Locations already cached are served without
// network I/O. A rate-limited batch is skipped for this pass; its locations
// are simply absent from the result. The returned map is never nil.
func (c *Client) WindFor(ctx context.Context, locs []Location) (map[string]Vector, error) {
	out := make(map[string]Vector, len(locs))
	nowHour := c.now().UTC().Truncate(time.Hour)

	// Cache pass; group the misses by pressure level.
	groups := map[int][]Location{}
	for _, loc := range locs {
		if loc.TS.IsZero() {
			loc.TS = nowHour
		}
		loc.TS = loc.TS.UTC().Truncate(time.Hour)
		if v, ok := c.cache.Get(loc.Lat, loc.Lon, loc.AltKm, loc.TS); ok {
			out[Key(loc.Lat, loc.Lon, loc.AltKm, loc.TS)] = v
			continue
		}
		p := NearestPressure(loc.AltKm)
		groups[p] = append(groups[p], loc)
	}

	first := true
	for pressure, group := range groups {
		pastDays, forecastDays := frameDays(group, c.now().UTC())
		for start := 0; start < len(group); start += batchSize {
			end := min(start+batchSize, len(group))
			batch := group[start:end]

			if err := ctx.Err(); err != nil {
				return out, err
			}
			if !first {
				c.sleep(pacingDelay)
			}
			first = false

			vectors, err := c.fetchBatch(ctx, pressure, batch, pastDays, forecastDays)
			if err != nil {
				if rl, ok := err.(*RateLimitError); ok {
					monitoring.WindRequests.WithLabelValues("rate_limited").Inc()
					monitoring.Debugf("wind rate-limited status=%d sleeping=%s batch_size=%d", rl.Status, rateLimitSleep, len(batch))
					c.sleep(rateLimitSleep)
					continue // skip this batch, no retry this pass
				}
				monitoring.WindRequests.WithLabelValues("error").Inc()
				monitoring.Debugf("wind batch error pressure=%d size=%d err=%v", pressure, len(batch), err)
				continue
			}
			monitoring.WindRequests.WithLabelValues("ok").Inc()
			for key, v := range vectors {
				c.cache.Add(v)
				out[key] = v
			}
		}
	}
	return out, nil
}

// frameDays computes the past_days/forecast_days window covering the group's
// timestamps, each capped to 3.
func frameDays(group []Location, now time.Time) (past, forecast int) {
	minTS, maxTS := group[0].TS, group[0].TS
	for _, loc := range group[1:] {
		if loc.TS.Before(minTS) {
			minTS = loc.TS
		}
		if loc.TS.After(maxTS) {
			maxTS = loc.TS
		}
	}
	today := now.Truncate(24 * time.Hour)
	past = int(today.Sub(minTS.Truncate(24*time.Hour)).Hours() / 24)
	past = max(0, min(past, maxFrameDays))
	forecast = int(maxTS.Truncate(24*time.Hour).Sub(today).Hours()/24) + 1
	forecast = max(1, min(forecast, maxFrameDays))
	return past, forecast
}

func (c *Client) fetchBatch(ctx context.Context, pressure int, batch []Location, pastDays, forecastDays int) (map[string]Vector, error) {
	lats := make([]string, len(batch))
	lons := make([]string, len(batch))
	for i, loc := range batch {
		lats[i] = fmt.Sprintf("%.4f", loc.Lat)
		lons[i] = fmt.Sprintf("%.4f", loc.Lon)
	}
	speedField := fmt.Sprintf("wind_speed_%dhPa", pressure)
	dirField := fmt.Sprintf("wind_direction_%dhPa", pressure)

	q := url.Values{}
	q.Set("latitude", strings.Join(lats, ","))
	q.Set("longitude", strings.Join(lons, ","))
	q.Set("hourly", speedField+","+dirField)
	q.Set("past_days", fmt.Sprint(pastDays))
	q.Set("forecast_days", fmt.Sprint(forecastDays))
	q.Set("wind_speed_unit", "kmh")
	q.Set("timezone", "UTC")

	reqURL := c.baseURL + "?" + q.Encode()
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	monitoring.Debugf("wind request pressure=%d locations=%d status=%d duration=%s body_len=%d",
		pressure, len(batch), resp.StatusCode, time.Since(start), len(body))

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wind provider status %d", resp.StatusCode)
	}
	return bindResponse(body, batch, float64(pressure), speedField, dirField)
}

// providerPoint is one location's hourly block in the provider response.
type providerPoint struct {
	Hourly map[string]json.RawMessage `json:"hourly"`
}

// bindResponse pairs each requested location with the response hour closest
// to its timestamp, discarding bindings further than 90 minutes away.
func bindResponse(body []byte, batch []Location, pressure float64, speedField, dirField string) (map[string]Vector, error) {
	// Body is a single object for one location, an array otherwise.
	var points []providerPoint
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &points); err != nil {
			return nil, fmt.Errorf("wind response parse: %w", err)
		}
	} else {
		var single providerPoint
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("wind response parse: %w", err)
		}
		points = []providerPoint{single}
	}
	if len(points) != len(batch) && len(points) != 1 {
		return nil, fmt.Errorf("wind response cardinality %d != %d", len(points), len(batch))
	}

	out := make(map[string]Vector, len(batch))
	for i, loc := range batch {
		point := points[0]
		if len(points) == len(batch) {
			point = points[i]
		}
		times, speeds, dirs, err := hourlySeries(point, speedField, dirField)
		if err != nil {
			continue
		}
		idx, gap := closestHour(times, speeds, dirs, loc.TS)
		if idx < 0 || gap > bindWindow {
			continue
		}
		speed, dir := speeds[idx], dirs[idx]
		theta := dir * math.Pi / 180
		sMs := speed / 3.6
		v := Vector{
			Lat:          loc.Lat,
			Lon:          loc.Lon,
			AltKm:        loc.AltKm,
			PressureHPa:  pressure,
			UMs:          -sMs * math.Sin(theta),
			VMs:          -sMs * math.Cos(theta),
			SpeedKmh:     speed,
			DirectionDeg: dir,
			Hour:         loc.TS,
		}
		out[Key(loc.Lat, loc.Lon, loc.AltKm, loc.TS)] = v
	}
	return out, nil
}

func hourlySeries(p providerPoint, speedField, dirField string) ([]time.Time, []float64, []float64, error) {
	var isoTimes []string
	if err := json.Unmarshal(p.Hourly["time"], &isoTimes); err != nil {
		return nil, nil, nil, err
	}
	// pointer elements: the provider pads hours it cannot serve with null,
	// which must not decode into a fabricated calm
	var rawSpeeds, rawDirs []*float64
	if err := json.Unmarshal(p.Hourly[speedField], &rawSpeeds); err != nil {
		return nil, nil, nil, err
	}
	if err := json.Unmarshal(p.Hourly[dirField], &rawDirs); err != nil {
		return nil, nil, nil, err
	}
	n := min(len(isoTimes), min(len(rawSpeeds), len(rawDirs)))
	times := make([]time.Time, n)
	speeds := make([]float64, n)
	dirs := make([]float64, n)
	for i := 0; i < n; i++ {
		// local-naive ISO strings, treated as UTC
		t, err := time.Parse("2006-01-02T15:04", isoTimes[i])
		if err != nil {
			return nil, nil, nil, err
		}
		times[i] = t.UTC()
		speeds[i], dirs[i] = math.NaN(), math.NaN()
		if rawSpeeds[i] != nil {
			speeds[i] = *rawSpeeds[i]
		}
		if rawDirs[i] != nil {
			dirs[i] = *rawDirs[i]
		}
	}
	return times, speeds, dirs, nil
}

// closestHour picks the nearest usable sample, skipping hours where either
// wind component is missing.
func closestHour(times []time.Time, speeds, dirs []float64, target time.Time) (int, time.Duration) {
	best := -1
	var bestGap time.Duration
	for i, t := range times {
		if math.IsNaN(speeds[i]) || math.IsNaN(dirs[i]) {
			continue
		}
		gap := target.Sub(t)
		if gap < 0 {
			gap = -gap
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best, bestGap
}
