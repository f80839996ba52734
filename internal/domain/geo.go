package domain

import (
	"fmt"
	"math"
)

// EarthRadiusMiles puts one degree of latitude at 69.17 statute miles.
const EarthRadiusMiles = 3963.19

// MilesPerDegreeLat is the length of one degree of latitude.
const MilesPerDegreeLat = EarthRadiusMiles * math.Pi / 180

// Continental-US bounding envelope in decimal degrees.
const (
	minCONUSLat = 24.0
	maxCONUSLat = 50.0
	minCONUSLon = -125.0
	maxCONUSLon = -66.0
)

// Haversine returns the great-circle distance in statute miles between two
// WGS-84 points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Clamp guards against a > 1 from floating point error on antipodal points.
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMiles * math.Asin(math.Sqrt(a))
}

// InContinentalUS reports whether a coordinate lies inside the lower-48
// envelope.
func InContinentalUS(lat, lon float64) bool {
	return lat >= minCONUSLat && lat <= maxCONUSLat &&
		lon >= minCONUSLon && lon <= maxCONUSLon
}

// RoundTo rounds v half away from zero to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// QuantizeKey formats a coordinate as a fixed-precision cache key, e.g.
// "32.7767,-96.7970" at precision 4. Negative zero is normalized so that
// -0.00001 and 0.00001 share a key.
func QuantizeKey(lat, lon float64, precision int) string {
	qLat := RoundTo(lat, precision)
	qLon := RoundTo(lon, precision)
	if qLat == 0 {
		qLat = 0
	}
	if qLon == 0 {
		qLon = 0
	}
	return fmt.Sprintf("%.*f,%.*f", precision, qLat, precision, qLon)
}
