package geospatial_test

import (
	"math"
	"testing"

	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
)

// degreesPerMile converts a distance east along the equator into degrees of
// longitude, exact for the haversine on a sphere of EarthRadiusMiles.
const degreesPerMile = 180 / (math.Pi * geospatial.EarthRadiusMiles)

func TestHaversine_Identity(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{43.263, -2.935},
		{-33.86, 151.21},
		{89.9, 12.3},
	}
	for _, p := range points {
		if d := geospatial.Haversine(p[0], p[1], p[0], p[1]); d != 0 {
			t.Errorf("distance(%v, same) = %v, want 0", p, d)
		}
	}
}

func TestHaversine_Symmetry(t *testing.T) {
	pairs := [][4]float64{
		{0, 0, 1, 1},
		{43.263, -2.935, 40.4168, -3.7038},
		{-33.86, 151.21, 51.5, -0.12},
		{10, 170, -10, -170},
	}
	for _, p := range pairs {
		ab := geospatial.Haversine(p[0], p[1], p[2], p[3])
		ba := geospatial.Haversine(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) >= 1e-9 {
			t.Errorf("asymmetric distance for %v: %v vs %v", p, ab, ba)
		}
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	// One degree of longitude along the equator.
	got := geospatial.Haversine(0, 0, 0, 1)
	want := geospatial.EarthRadiusMiles * math.Pi / 180
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("1 degree at equator = %v, want %v", got, want)
	}
}

func TestHaversine_MilesAlongEquator(t *testing.T) {
	for _, miles := range []float64{0.05, 1, 9.9, 10, 50, 500} {
		got := geospatial.Haversine(0, 0, 0, miles*degreesPerMile)
		if math.Abs(got-miles) > 1e-9 {
			t.Errorf("expected %v mi, got %v", miles, got)
		}
	}
}

func TestBoundingBox_ContainsRadius(t *testing.T) {
	lat, lon := 43.263, -2.935
	minLat, minLon, maxLat, maxLon := geospatial.BoundingBox(lat, lon, 10)

	// A point 10 miles due east must fall inside the box.
	east := lon + 10*degreesPerMile/math.Cos(lat*math.Pi/180)
	if east > maxLon || east < minLon {
		t.Errorf("10 mi east (%v) outside lon bounds [%v, %v]", east, minLon, maxLon)
	}
	if lat > maxLat || lat < minLat {
		t.Errorf("center latitude outside bounds")
	}
}

func TestFormatDistance(t *testing.T) {
	mi := func(v float64) *float64 { return &v }

	cases := []struct {
		in   *float64
		want string
	}{
		{mi(0.05), "<0.1 mi"},
		{mi(0.09), "<0.1 mi"},
		{mi(0.1), "0.1 mi"},
		{mi(9.9), "9.9 mi"},
		{mi(10.0), "10 mi"},
		{mi(50), "50 mi"},
		{mi(123.4), "123 mi"},
	}
	for _, c := range cases {
		got := geospatial.FormatDistance(c.in)
		if got == nil || *got != c.want {
			t.Errorf("FormatDistance(%v) = %v, want %q", *c.in, got, c.want)
		}
	}

	if got := geospatial.FormatDistance(nil); got != nil {
		t.Errorf("FormatDistance(nil) = %v, want nil", *got)
	}
}

func TestEstimateTravelTime(t *testing.T) {
	mi := func(v float64) *float64 { return &v }

	cases := []struct {
		in   *float64
		want string
	}{
		{mi(0.1), "<1 min"},
		{mi(4), "10 min"},
		{mi(24), "1 hr"},
		{mi(30), "1 hr 15 min"},
	}
	for _, c := range cases {
		got := geospatial.EstimateTravelTime(c.in)
		if got == nil || *got != c.want {
			t.Errorf("EstimateTravelTime(%v) = %v, want %q", *c.in, got, c.want)
		}
	}

	if got := geospatial.EstimateTravelTime(nil); got != nil {
		t.Errorf("EstimateTravelTime(nil) = %v, want nil", *got)
	}
}
