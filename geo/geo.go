// Package geo holds the spherical-earth math shared by the tracker and the
// predictor. All distances are kilometres, bearings are degrees clockwise
// from north.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used by all spherical formulae.
const EarthRadiusKm = 6371.0

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceKm returns the great-circle distance between two points (haversine).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingDeg returns the initial bearing from point 1 to point 2 in [0,360).
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dLambda := radians(lon2 - lon1)
	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(degrees(math.Atan2(y, x))+360, 360)
}

// Displace returns the destination reached from (lat,lon) after travelling
// distKm along the given bearing (spherical forward formula).
func Displace(lat, lon, bearingDeg, distKm float64) (float64, float64) {
	phi := radians(lat)
	lambda := radians(lon)
	theta := radians(bearingDeg)
	delta := distKm / EarthRadiusKm

	phi2 := math.Asin(math.Sin(phi)*math.Cos(delta) + math.Cos(phi)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi),
		math.Cos(delta)-math.Sin(phi)*math.Sin(phi2),
	)
	lon2 := degrees(lambda2)
	// normalize to [-180,180]
	lon2 = math.Mod(lon2+540, 360) - 180
	return degrees(phi2), lon2
}

// HeadingDiffDeg returns the absolute angular difference between two
// headings, in [0,180].
func HeadingDiffDeg(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CircularMeanDeg returns the weighted circular mean of headings in [0,360).
// Weights and headings must have equal length; zero total weight returns 0.
func CircularMeanDeg(headings, weights []float64) float64 {
	var sinSum, cosSum float64
	for i, h := range headings {
		w := weights[i]
		sinSum += w * math.Sin(radians(h))
		cosSum += w * math.Cos(radians(h))
	}
	if sinSum == 0 && cosSum == 0 {
		return 0
	}
	return math.Mod(degrees(math.Atan2(sinSum, cosSum))+360, 360)
}
