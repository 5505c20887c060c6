package maprender

import (
	"fmt"
	"strings"

	"symptom-triage/internal/geo"
)

// Facility is a hospital or pharmacy as the map needs it. Position is nil
// when the facility has no known coordinate; such facilities get no marker.
type Facility struct {
	Name      string     `json:"name"`
	Address   string     `json:"address,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	DistanceM float64    `json:"distance_m,omitempty"`
	Emergency bool       `json:"has_emergency,omitempty"`
	Position  *geo.Point `json:"position,omitempty"`
}

// View is every input the marker set is computed from.
type View struct {
	Center           *geo.Point `json:"center,omitempty"`
	Hospitals        []Facility `json:"hospitals,omitempty"`
	Pharmacies       []Facility `json:"pharmacies,omitempty"`
	ShowUserLocation bool       `json:"show_user_location"`
}

// BuildMarkers computes the full marker set for v from scratch.
func BuildMarkers(v View) []Marker {
	markers := make([]Marker, 0, 1+len(v.Hospitals)+len(v.Pharmacies))

	if v.ShowUserLocation && v.Center != nil {
		markers = append(markers, Marker{
			ID:       "user",
			Position: *v.Center,
			Kind:     KindUser,
			Title:    "Current location",
		})
	}

	for i, h := range v.Hospitals {
		m, ok := facilityMarker(fmt.Sprintf("hospital-%d", i), KindHospital, h, v.Center)
		if !ok {
			continue
		}
		if h.Emergency {
			m.Description = joinNonEmpty(m.Description, "Emergency room")
		}
		markers = append(markers, m)
	}

	for i, p := range v.Pharmacies {
		m, ok := facilityMarker(fmt.Sprintf("pharmacy-%d", i), KindPharmacy, p, v.Center)
		if !ok {
			continue
		}
		markers = append(markers, m)
	}

	return markers
}

func facilityMarker(id string, kind Kind, f Facility, center *geo.Point) (Marker, bool) {
	if f.Position == nil || !f.Position.Valid() {
		return Marker{}, false
	}
	m := Marker{
		ID:          id,
		Position:    geo.Point{Lat: f.Position.Lat, Lng: f.Position.Lng},
		Kind:        kind,
		Title:       f.Name,
		Description: f.Address,
		Phone:       f.Phone,
	}
	switch {
	case f.DistanceM > 0:
		d := f.DistanceM
		m.Distance = &d
	case center != nil:
		d := geo.DistanceBetween(*center, m.Position)
		m.Distance = &d
	}
	return m, true
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " · ")
}
