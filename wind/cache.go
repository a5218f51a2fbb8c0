package wind

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skyborne/stratotrack/monitoring"
)

// Cache TTLs: entries for the current hour refresh quickly because the
// provider revises the running forecast; historical hours are stable and
// retained for the full window.
const (
	currentTTL    = 30 * time.Minute
	historicalTTL = 48 * time.Hour

	defaultCacheSize = 16384
)

// Key returns the quantized cache key for a location and hour. 0.1 degrees is
// about 11 km horizontally, inside the tracker's error budget.
func Key(lat, lon, altKm float64, t time.Time) string {
	hour := t.UTC().Truncate(time.Hour).Unix()
	return fmt.Sprintf("%.1f:%.1f:%.1f:%d", round1(lat), round1(lon), round1(altKm), hour)
}

func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0 // avoid "-0.0" keys
	}
	return r
}

// Cache is a bounded, TTL'd lookup of wind vectors by quantized bucket.
// Two LRUs split current-hour entries from settled historical ones.
type Cache struct {
	current    *expirable.LRU[string, Vector]
	historical *expirable.LRU[string, Vector]
	now        func() time.Time
}

// NewCache builds a cache bounded at size entries per tier. size <= 0 picks
// the default.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Cache{
		current:    expirable.NewLRU[string, Vector](size, nil, currentTTL),
		historical: expirable.NewLRU[string, Vector](size, nil, historicalTTL),
		now:        time.Now,
	}
}

// Get returns the cached vector for a location bucket, if present.
func (c *Cache) Get(lat, lon, altKm float64, t time.Time) (Vector, bool) {
	key := Key(lat, lon, altKm, t)
	if v, ok := c.current.Get(key); ok {
		monitoring.WindCacheLookups.WithLabelValues("hit").Inc()
		return v, true
	}
	if v, ok := c.historical.Get(key); ok {
		monitoring.WindCacheLookups.WithLabelValues("hit").Inc()
		return v, true
	}
	monitoring.WindCacheLookups.WithLabelValues("miss").Inc()
	return Vector{}, false
}

// Add inserts a vector under its bucket key. Vectors for the current hour go
// to the short-TTL tier.
func (c *Cache) Add(v Vector) {
	key := Key(v.Lat, v.Lon, v.AltKm, v.Hour)
	nowHour := c.now().UTC().Truncate(time.Hour)
	if v.Hour.UTC().Truncate(time.Hour).Equal(nowHour) {
		c.current.Add(key, v)
		return
	}
	c.historical.Add(key, v)
}

// Len reports total cached entries across both tiers.
func (c *Cache) Len() int { return c.current.Len() + c.historical.Len() }
