package geo

import (
	"math"
	"testing"

	"rescueroute/internal/model"
)

func TestHaversineZero(t *testing.T) {
	p := model.GeoPoint{Lat: 40.7128, Lng: -74.0060}
	if d := HaversineMeters(p, p); d != 0 {
		t.Fatalf("same point: got %f, want 0", d)
	}
}

func TestHaversineEquatorDegree(t *testing.T) {
	// one degree of longitude at the equator is about 111.19 km
	a := model.GeoPoint{Lat: 0, Lng: 0}
	b := model.GeoPoint{Lat: 0, Lng: 1}
	d := HaversineMeters(a, b)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("equator degree: got %f, want ~111195", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := model.GeoPoint{Lat: 51.5074, Lng: -0.1278}
	b := model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	if d1, d2 := HaversineMeters(a, b), HaversineMeters(b, a); math.Abs(d1-d2) > 1e-6 {
		t.Fatalf("not symmetric: %f vs %f", d1, d2)
	}
}
