// Package maprender keeps the server-side map view model: which mapping
// provider is live, the markers drawn on it and the selected marker.
package maprender

import (
	"context"
	"fmt"

	"symptom-triage/internal/geo"
)

type Kind string

const (
	KindUser     Kind = "USER"
	KindHospital Kind = "HOSPITAL"
	KindPharmacy Kind = "PHARMACY"
)

// Marker is a point of interest overlay. IDs are unique within one render pass.
type Marker struct {
	ID          string    `json:"id"`
	Position    geo.Point `json:"position"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Distance    *float64  `json:"distance_m,omitempty"`
}

// Provider is an external mapping service integration.
type Provider interface {
	Name() string
	// Load fetches the provider's resource. Completion does not mean the
	// runtime is usable; see Ready.
	Load(ctx context.Context) error
	// Ready returns nil once the provider runtime is initialized.
	Ready(ctx context.Context) error
	NewMap(ctx context.Context, container string, center geo.Point, zoom int) (Instance, error)
}

// Instance is a live provider map. It is owned by exactly one Renderer.
type Instance interface {
	SetCenter(center geo.Point, zoom int) error
	AddMarker(m Marker) error
	// RemoveMarker of an absent id is a no-op.
	RemoveMarker(id string) error
	OnClick(handler func(markerID string)) (unsubscribe func())
	Destroy() error
}

// ProviderError is a load or initialization failure of one provider.
type ProviderError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("map provider %s %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
