package geo

import (
	"math"
	"testing"
)

func TestDistanceSeoulCityHall(t *testing.T) {
	got := Distance(37.5665, 126.9780, 37.5651, 126.9895)
	if math.Abs(got-1050) > 50 {
		t.Fatalf("expected ~1050m, got %.1f", got)
	}
}

func TestDistanceProperties(t *testing.T) {
	if d := Distance(37.5, 127.0, 37.5, 127.0); d != 0 {
		t.Fatalf("expected zero distance for identical points, got %f", d)
	}
	a := Distance(35.1796, 129.0756, 37.5665, 126.9780)
	b := Distance(37.5665, 126.9780, 35.1796, 129.0756)
	if math.Abs(a-b) > 1e-6 {
		t.Fatalf("distance not symmetric: %f vs %f", a, b)
	}
	// Busan to Seoul is roughly 325 km.
	if a < 320_000 || a > 330_000 {
		t.Fatalf("unexpected Busan-Seoul distance: %f", a)
	}
}

func TestPointValid(t *testing.T) {
	cases := []struct {
		p    Point
		want bool
	}{
		{Point{Lat: 37.5, Lng: 127}, true},
		{Point{Lat: 91, Lng: 0}, false},
		{Point{Lat: 0, Lng: -181}, false},
		{Point{Lat: math.NaN(), Lng: 0}, false},
	}
	for _, c := range cases {
		if got := c.p.Valid(); got != c.want {
			t.Fatalf("Valid(%+v) = %v, want %v", c.p, got, c.want)
		}
	}
}
