// Package geo provides coordinate validation, great-circle distance,
// and a process-lifetime geocoding cache for placement ranking.
package geo

import (
	"math"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/models"
)

// EarthRadiusKM is the mean Earth radius used for Haversine distance.
const EarthRadiusKM = 6371.0

// ValidateCoord rejects non-finite and out-of-range coordinates.
// (0, 0) is a legal coordinate here; only the GeoIP layer treats it as
// "no fix".
func ValidateCoord(c models.Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return fleet.E(fleet.KindBadRequest, "coordinate is not finite")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fleet.E(fleet.KindBadRequest, "latitude %.4f out of range [-90, 90]", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fleet.E(fleet.KindBadRequest, "longitude %.4f out of range [-180, 180]", c.Lon)
	}
	return nil
}

// Haversine returns the great-circle distance between two coordinates
// in kilometers. Inputs must already be validated.
func Haversine(a, b models.Coordinate) float64 {
	const rad = math.Pi / 180
	lat1 := a.Lat * rad
	lat2 := b.Lat * rad
	dLat := (b.Lat - a.Lat) * rad
	dLon := (b.Lon - a.Lon) * rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

// DistanceKM validates both coordinates and returns their great-circle
// distance.
func DistanceKM(a, b models.Coordinate) (float64, error) {
	if err := ValidateCoord(a); err != nil {
		return 0, err
	}
	if err := ValidateCoord(b); err != nil {
		return 0, err
	}
	return Haversine(a, b), nil
}
