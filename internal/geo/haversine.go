// Package geo provides the great-circle distance used for nearest-station
// selection.
package geo

import (
	"math"

	"rescueroute/internal/model"
)

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance between two points
// in meters.
func HaversineMeters(a, b model.GeoPoint) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
