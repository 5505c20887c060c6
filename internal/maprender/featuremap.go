package maprender

import (
	"errors"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"symptom-triage/internal/geo"
)

var errDestroyed = errors.New("map instance destroyed")

// FeatureMap is an in-process map instance. It keeps the markers a thin
// client draws and relays the client's marker clicks.
type FeatureMap struct {
	provider  string
	container string

	mu        sync.Mutex
	center    geo.Point
	zoom      int
	order     []string
	markers   map[string]Marker
	handlers  map[int]func(string)
	nextID    int
	destroyed bool
}

func NewFeatureMap(provider, container string, center geo.Point, zoom int) *FeatureMap {
	return &FeatureMap{
		provider:  provider,
		container: container,
		center:    center,
		zoom:      zoom,
		markers:   make(map[string]Marker),
		handlers:  make(map[int]func(string)),
	}
}

func (f *FeatureMap) SetCenter(center geo.Point, zoom int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return errDestroyed
	}
	f.center = center
	f.zoom = zoom
	return nil
}

func (f *FeatureMap) AddMarker(m Marker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return errDestroyed
	}
	if _, ok := f.markers[m.ID]; !ok {
		f.order = append(f.order, m.ID)
	}
	f.markers[m.ID] = m
	return nil
}

func (f *FeatureMap) RemoveMarker(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markers[id]; !ok {
		return nil
	}
	delete(f.markers, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *FeatureMap) OnClick(handler func(markerID string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

// Click delivers a marker click to every subscribed handler.
func (f *FeatureMap) Click(markerID string) {
	f.mu.Lock()
	if _, ok := f.markers[markerID]; !ok || f.destroyed {
		f.mu.Unlock()
		return
	}
	handlers := make([]func(string), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(markerID)
	}
}

func (f *FeatureMap) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.markers = make(map[string]Marker)
	f.order = nil
	f.handlers = make(map[int]func(string))
	return nil
}

func (f *FeatureMap) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *FeatureMap) Markers() []Marker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Marker, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.markers[id])
	}
	return out
}

// FeatureCollection encodes markers as GeoJSON points; selectedID, if
// present, is flagged in the feature properties.
func FeatureCollection(markers []Marker, selectedID string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		feature := geojson.NewFeature(orb.Point{m.Position.Lng, m.Position.Lat})
		feature.ID = m.ID
		feature.Properties["kind"] = string(m.Kind)
		feature.Properties["title"] = m.Title
		if m.Description != "" {
			feature.Properties["description"] = m.Description
		}
		if m.Phone != "" {
			feature.Properties["phone"] = m.Phone
		}
		if m.Distance != nil {
			feature.Properties["distance_m"] = *m.Distance
		}
		feature.Properties["selected"] = m.ID == selectedID
		fc.Append(feature)
	}
	return fc
}

// FeatureCollection is the renderer's current marker set as GeoJSON.
func (r *Renderer) FeatureCollection() *geojson.FeatureCollection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FeatureCollection(r.markers, r.selected)
}
