package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm(t *testing.T) {
	// one degree of longitude at the equator is ~111.19 km
	d := DistanceKm(0, 0, 0, 1)
	assert.InDelta(t, 111.19, d, 0.1)

	assert.Zero(t, DistanceKm(45, 45, 45, 45))
}

func TestBearingDeg(t *testing.T) {
	assert.InDelta(t, 90, BearingDeg(0, 0, 0, 1), 0.01)  // due east
	assert.InDelta(t, 0, BearingDeg(0, 0, 1, 0), 0.01)   // due north
	assert.InDelta(t, 270, BearingDeg(0, 1, 0, 0), 0.01) // due west
}

func TestDisplaceRoundTrip(t *testing.T) {
	lat, lon := Displace(10, 20, 90, 100)
	assert.InDelta(t, 100, DistanceKm(10, 20, lat, lon), 1e-6)
	assert.InDelta(t, 90, BearingDeg(10, 20, lat, lon), 0.5)
}

func TestDisplaceAntimeridian(t *testing.T) {
	_, lon := Displace(0, 179.9, 90, 50)
	assert.Less(t, lon, -179.0)
	assert.GreaterOrEqual(t, lon, -180.0)
}

func TestHeadingDiffDeg(t *testing.T) {
	assert.Equal(t, 20.0, HeadingDiffDeg(10, 350))
	assert.Equal(t, 180.0, HeadingDiffDeg(0, 180))
	assert.Equal(t, 0.0, HeadingDiffDeg(90, 90))
}

func TestCircularMeanDeg(t *testing.T) {
	// mean of 350 and 10 wraps through north
	m := CircularMeanDeg([]float64{350, 10}, []float64{1, 1})
	assert.InDelta(t, 0, m, 0.01)

	// weighted mean favors the heavier heading
	m = CircularMeanDeg([]float64{0, 90}, []float64{1, 3})
	assert.Greater(t, m, 45.0)
	assert.Less(t, m, 90.0)
}
