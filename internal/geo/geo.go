// Package geo resolves the waypoint nearest to a GPS position. Pure
// computation, no I/O.
package geo

import (
	"math"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle (haversine) distance between two
// coordinates. Planar approximations drift too far at route scale.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Nearest returns the waypoint closest to (lat, lon). Ties go to the
// earliest list position. ok is false only for an empty list.
func Nearest(lat, lon float64, waypoints []fleet.Waypoint) (nearest fleet.Waypoint, ok bool) {
	if len(waypoints) == 0 {
		return fleet.Waypoint{}, false
	}
	best := 0
	bestDist := DistanceMeters(lat, lon, waypoints[0].Latitude, waypoints[0].Longitude)
	for i := 1; i < len(waypoints); i++ {
		d := DistanceMeters(lat, lon, waypoints[i].Latitude, waypoints[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return waypoints[best], true
}
