package geo_test

import (
	"math"
	"testing"

	"civicwatch/internal/geo"
)

func TestKnownDistances(t *testing.T) {
	cases := []struct {
		name string
		a, b geo.Point
		want float64
		tol  float64
	}{
		{"same point", geo.Point{Lat: 6.5244, Lng: 3.3792}, geo.Point{Lat: 6.5244, Lng: 3.3792}, 0, 1e-9},
		{"paris london", geo.Point{Lat: 48.8566, Lng: 2.3522}, geo.Point{Lat: 51.5074, Lng: -0.1278}, 343.5, 1.0},
		{"one degree on equator", geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 0, Lng: 1}, 111.19, 0.1},
		{"antimeridian", geo.Point{Lat: 0, Lng: 179.5}, geo.Point{Lat: 0, Lng: -179.5}, 111.19, 0.1},
	}
	for _, tc := range cases {
		got := geo.DistanceKm(tc.a, tc.b)
		if math.Abs(got-tc.want) > tc.tol {
			t.Errorf("%s: got %.4f km, want %.4f±%.2f", tc.name, got, tc.want, tc.tol)
		}
	}
}

func TestSymmetry(t *testing.T) {
	pairs := [][2]geo.Point{
		{{Lat: 6.5244, Lng: 3.3792}, {Lat: 9.0765, Lng: 7.3986}},
		{{Lat: -33.8688, Lng: 151.2093}, {Lat: 51.5074, Lng: -0.1278}},
		{{Lat: 89.9, Lng: 10}, {Lat: -89.9, Lng: -170}},
	}
	for _, pair := range pairs {
		ab := geo.DistanceKm(pair[0], pair[1])
		ba := geo.DistanceKm(pair[1], pair[0])
		if diff := math.Abs(ab - ba); diff > 1e-9*math.Max(ab, 1) {
			t.Errorf("distance not symmetric: %v vs %v", ab, ba)
		}
	}
}

func TestNonNegative(t *testing.T) {
	a := geo.Point{Lat: 12.0, Lng: 8.5}
	b := geo.Point{Lat: 12.0001, Lng: 8.5001}
	if d := geo.DistanceKm(a, b); d < 0 {
		t.Fatalf("negative distance %v", d)
	}
}
