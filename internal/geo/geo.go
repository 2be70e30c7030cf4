package geo

import "math"

// EarthRadiusMiles is the radius used for all distance math in the
// scheduler; scores and thresholds are expressed in miles.
const EarthRadiusMiles = 3959.0

// Miles returns the great-circle (haversine) distance in miles between
// two points given in decimal degrees.
func Miles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}
