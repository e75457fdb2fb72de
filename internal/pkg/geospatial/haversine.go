package geospatial

import "math"

// EarthRadiusMiles is the mean Earth radius in statute miles.
const EarthRadiusMiles = 3958.8

// Haversine calculates the great-circle distance in statute miles between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}

// milesPerDegree is the length of one degree of a great circle on the same
// sphere Haversine uses. Keeping the two consistent makes the box a true
// over-approximation: a point at exactly the radius never falls outside it.
const milesPerDegree = EarthRadiusMiles * math.Pi / 180

// BoundingBox returns a bounding box around a point with the given radius in
// statute miles. The box over-approximates the circle, so it is safe as a
// cheap prefilter before an exact Haversine check.
func BoundingBox(lat, lon, radiusMiles float64) (minLat, minLon, maxLat, maxLon float64) {
	latDelta := radiusMiles / milesPerDegree * 1.01
	cos := math.Cos(toRad(lat))
	if cos < 0.01 {
		cos = 0.01 // near the poles every longitude is close
	}
	lonDelta := radiusMiles / (milesPerDegree * cos) * 1.01

	return lat - latDelta, lon - lonDelta, lat + latDelta, lon + lonDelta
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
