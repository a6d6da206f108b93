package geo

import "math"

// earthRadiusM is the mean Earth radius used for great-circle distance.
const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// Distance returns the great-circle distance between two points in meters,
// computed with the haversine formula. Accurate to well under a meter at
// geofence scale (tens to hundreds of meters).
func Distance(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// IsWithinRadius reports whether b lies within radiusMeters of a, with the
// boundary itself counting as inside, and returns the measured distance.
func IsWithinRadius(a, b Point, radiusMeters float64) (bool, float64) {
	d := Distance(a, b)
	return d <= radiusMeters, d
}
