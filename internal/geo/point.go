// Package geo acquires the user's position, labels it with an address and
// measures distances between coordinates.
package geo

import "math"

// Point is a WGS84 coordinate. Accuracy is the reported radius in meters, if any.
type Point struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Valid reports whether the point is a finite coordinate inside the WGS84 range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// AccuracyM returns the accuracy radius or 0 when unknown.
func (p Point) AccuracyM() float64 {
	if p.Accuracy == nil {
		return 0
	}
	return *p.Accuracy
}

func floatPtr(v float64) *float64 {
	return &v
}
