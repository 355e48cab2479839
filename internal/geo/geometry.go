package geo

import "math"

const earthRadiusMeters = 6371000

// headingEpsilon is the per-axis movement (degrees) below which a position
// report is treated as stationary.
const headingEpsilon = 1e-6

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Haversine calculates the distance between two points in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the great-circle initial bearing from point 1 to point 2
// in degrees, normalized to [0, 360)
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dLambda := toRadians(lon2 - lon1)

	east := math.Sin(dLambda) * math.Cos(phi2)
	north := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	deg := math.Atan2(east, north) * 180 / math.Pi
	deg = math.Mod(deg+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// Moved reports whether a position changed by more than the heading epsilon
// on either axis
func Moved(lat1, lon1, lat2, lon2 float64) bool {
	return math.Abs(lat2-lat1) > headingEpsilon || math.Abs(lon2-lon1) > headingEpsilon
}
