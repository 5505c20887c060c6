package maprender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"symptom-triage/internal/geo"
)

type spyMap struct {
	*FeatureMap
	owner *fakeProvider
}

func (s *spyMap) AddMarker(m Marker) error {
	s.owner.markerCalls.Add(1)
	return s.FeatureMap.AddMarker(m)
}

func (s *spyMap) RemoveMarker(id string) error {
	s.owner.markerCalls.Add(1)
	return s.FeatureMap.RemoveMarker(id)
}

type fakeProvider struct {
	name        string
	loadErr     error
	readyAfter  int32
	newMapPanic bool

	loadCalls   atomic.Int32
	readyCalls  atomic.Int32
	markerCalls atomic.Int32
	last        *spyMap
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Load(context.Context) error {
	f.loadCalls.Add(1)
	return f.loadErr
}

func (f *fakeProvider) Ready(context.Context) error {
	if n := f.readyCalls.Add(1); n <= f.readyAfter {
		return errors.New("runtime not initialized")
	}
	return nil
}

func (f *fakeProvider) NewMap(_ context.Context, container string, center geo.Point, zoom int) (Instance, error) {
	if f.newMapPanic {
		panic("sdk exploded")
	}
	f.last = &spyMap{FeatureMap: NewFeatureMap(f.name, container, center, zoom), owner: f}
	return f.last, nil
}

// hangingProvider loads fine but its readiness probe never answers.
type hangingProvider struct {
	fakeProvider
}

func (h *hangingProvider) Ready(ctx context.Context) error {
	h.readyCalls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func testRenderer(primary, fallback Provider) *Renderer {
	cfg := DefaultConfig()
	cfg.Readiness = Readiness{Attempts: 3, Interval: time.Millisecond}
	return New(primary, fallback, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func seoul() *geo.Point {
	return &geo.Point{Lat: 37.5665, Lng: 126.9780}
}

func hospitalAt(name string, lat, lng float64) Facility {
	return Facility{Name: name, Address: "Jung-gu", Phone: "02-123-4567", Position: &geo.Point{Lat: lat, Lng: lng}}
}

func TestMountPrimaryReady(t *testing.T) {
	primary := &fakeProvider{name: "kakao", readyAfter: 2}
	fallback := &fakeProvider{name: "leaflet"}
	r := testRenderer(primary, fallback)

	if err := r.Mount(context.Background(), "map", View{Center: seoul(), ShowUserLocation: true}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := r.State(); got != ReadyPrimary {
		t.Fatalf("expected READY_PRIMARY, got %s", got)
	}
	if primary.readyCalls.Load() != 3 {
		t.Fatalf("expected 3 readiness probes, got %d", primary.readyCalls.Load())
	}
	if fallback.loadCalls.Load() != 0 {
		t.Fatal("fallback should not be touched")
	}
	if got := len(primary.last.Markers()); got != 1 {
		t.Fatalf("expected user marker on primary map, got %d", got)
	}
}

func TestPrimaryLoadRejectFallsBackWithoutTouchingPrimaryMarkers(t *testing.T) {
	primary := &fakeProvider{name: "kakao", loadErr: errors.New("script 404")}
	fallback := &fakeProvider{name: "leaflet"}
	r := testRenderer(primary, fallback)

	view := View{Center: seoul(), ShowUserLocation: true, Hospitals: []Facility{hospitalAt("Seoul Hospital", 37.57, 126.98)}}
	if err := r.Mount(context.Background(), "map", view); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := r.State(); got != ReadyFallback {
		t.Fatalf("expected READY_FALLBACK, got %s", got)
	}
	if primary.markerCalls.Load() != 0 {
		t.Fatalf("primary marker API invoked %d times", primary.markerCalls.Load())
	}
	if primary.loadCalls.Load() != 1 {
		t.Fatalf("primary must be loaded exactly once, got %d", primary.loadCalls.Load())
	}
	if got := len(fallback.last.Markers()); got != 2 {
		t.Fatalf("expected 2 markers on fallback, got %d", got)
	}
	if st := r.Status(); st.Provider != "leaflet" || st.Error == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestReadinessExhaustionIsPrimaryFailure(t *testing.T) {
	primary := &fakeProvider{name: "kakao", readyAfter: 1000}
	fallback := &fakeProvider{name: "leaflet"}
	r := testRenderer(primary, fallback)

	if err := r.Mount(context.Background(), "map", View{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := r.State(); got != ReadyFallback {
		t.Fatalf("expected READY_FALLBACK, got %s", got)
	}
	if got := primary.readyCalls.Load(); got != 3 {
		t.Fatalf("expected readiness bounded at 3 probes, got %d", got)
	}
}

func TestProviderPanicIsInitFailure(t *testing.T) {
	primary := &fakeProvider{name: "kakao", newMapPanic: true}
	fallback := &fakeProvider{name: "leaflet"}
	r := testRenderer(primary, fallback)

	if err := r.Mount(context.Background(), "map", View{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := r.State(); got != ReadyFallback {
		t.Fatalf("expected READY_FALLBACK, got %s", got)
	}
}

func TestBothProvidersFailThenManualRetry(t *testing.T) {
	primary := &fakeProvider{name: "kakao", loadErr: errors.New("offline")}
	fallback := &fakeProvider{name: "leaflet", loadErr: errors.New("offline")}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_map_transitions_total"}, []string{"from", "to"})
	r := New(primary, fallback, Config{Readiness: Readiness{Attempts: 1}}, slog.New(slog.NewTextHandler(io.Discard, nil)), counter)

	err := r.Mount(context.Background(), "map", View{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "leaflet" {
		t.Fatalf("expected fallback ProviderError, got %v", err)
	}
	st := r.Status()
	if st.State != Failed || st.Message == "" {
		t.Fatalf("expected FAILED with message, got %+v", st)
	}
	if err := r.Mount(context.Background(), "map", View{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second mount, got %v", err)
	}

	primary.loadErr = nil
	if err := r.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := r.State(); got != ReadyPrimary {
		t.Fatalf("expected READY_PRIMARY after retry, got %s", got)
	}
	if primary.loadCalls.Load() != 2 {
		t.Fatalf("expected one load per mount/retry, got %d", primary.loadCalls.Load())
	}
	if err := r.Retry(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retry outside FAILED must be rejected, got %v", err)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("LOADING_FALLBACK", "FAILED")); got != 1 {
		t.Fatalf("expected one fallback failure transition, got %v", got)
	}
}

func TestMarkerSetRebuild(t *testing.T) {
	fallback := &fakeProvider{name: "leaflet"}
	r := testRenderer(&fakeProvider{name: "kakao"}, fallback)
	center := seoul()

	if err := r.Mount(context.Background(), "map", View{Center: center, ShowUserLocation: true}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := len(r.Markers()); got != 1 {
		t.Fatalf("expected 1 marker, got %d", got)
	}

	if err := r.SetView(View{Center: center, ShowUserLocation: true, Hospitals: []Facility{hospitalAt("A", 37.57, 126.99)}}); err != nil {
		t.Fatalf("SetView: %v", err)
	}
	if got := len(r.Markers()); got != 2 {
		t.Fatalf("expected 2 markers, got %d", got)
	}

	if err := r.SetView(View{}); err != nil {
		t.Fatalf("SetView: %v", err)
	}
	if got := len(r.Markers()); got != 0 {
		t.Fatalf("expected 0 markers, got %d", got)
	}
	if err := r.ClearMarkers(); err != nil {
		t.Fatalf("first clear of empty set: %v", err)
	}
	if err := r.ClearMarkers(); err != nil {
		t.Fatalf("repeated clear of empty set: %v", err)
	}
}

func TestBuildMarkersUsesFacilityCoordinates(t *testing.T) {
	center := seoul()
	markers := BuildMarkers(View{
		Center: center,
		Hospitals: []Facility{
			hospitalAt("Has coords", 37.5651, 126.9895),
			{Name: "No coords", Phone: "02-000-0000"},
		},
		Pharmacies: []Facility{{Name: "Pharmacy", DistanceM: 250, Position: &geo.Point{Lat: 37.566, Lng: 126.977}}},
	})
	if len(markers) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(markers))
	}
	for _, m := range markers {
		if m.Position.Lat == 0 && m.Position.Lng == 0 {
			t.Fatalf("marker %s placed at (0,0)", m.ID)
		}
	}
	h := markers[0]
	if h.Kind != KindHospital || h.Distance == nil || *h.Distance < 975 || *h.Distance > 1100 {
		t.Fatalf("unexpected hospital marker %+v", h)
	}
	if p := markers[1]; p.Kind != KindPharmacy || *p.Distance != 250 {
		t.Fatalf("unexpected pharmacy marker %+v", p)
	}
}

func TestSelectionIsSingleAndDrivesActions(t *testing.T) {
	primary := &fakeProvider{name: "kakao"}
	r := testRenderer(primary, nil)
	view := View{Center: seoul(), Hospitals: []Facility{
		hospitalAt("Seoul Hospital", 37.57, 126.98),
		{Name: "Quiet Clinic", Position: &geo.Point{Lat: 37.56, Lng: 126.97}},
	}}
	if err := r.Mount(context.Background(), "map", view); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if _, err := r.CallURI(); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}

	primary.last.Click("hospital-0")
	m, ok := r.Selected()
	if !ok || m.ID != "hospital-0" {
		t.Fatalf("click did not select marker: %+v", m)
	}
	uri, err := r.CallURI()
	if err != nil || uri != "tel:02-123-4567" {
		t.Fatalf("unexpected call uri %q, %v", uri, err)
	}
	link, err := r.DirectionsURL()
	if err != nil || !strings.HasPrefix(link, "https://map.kakao.com/link/to/Seoul%20Hospital,37.57") {
		t.Fatalf("unexpected directions link %q, %v", link, err)
	}

	if _, err := r.Select("hospital-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if m, _ := r.Selected(); m.ID != "hospital-1" {
		t.Fatalf("selection not replaced, got %s", m.ID)
	}
	if _, err := r.CallURI(); !errors.Is(err, ErrNoPhone) {
		t.Fatalf("expected ErrNoPhone, got %v", err)
	}
	if _, err := r.Select("missing"); !errors.Is(err, ErrMarkerNotFound) {
		t.Fatalf("expected ErrMarkerNotFound, got %v", err)
	}

	fc := r.FeatureCollection()
	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}
	if fc.Features[1].Properties["selected"] != true {
		t.Fatalf("selected flag missing on feature %v", fc.Features[1].ID)
	}
}

func TestUnmountReleasesInstance(t *testing.T) {
	primary := &fakeProvider{name: "kakao"}
	r := testRenderer(primary, nil)
	if err := r.Mount(context.Background(), "map", View{Center: seoul(), ShowUserLocation: true}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	inst := primary.last
	if inst.Listeners() != 1 {
		t.Fatalf("expected one click listener, got %d", inst.Listeners())
	}

	if err := r.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if inst.Listeners() != 0 {
		t.Fatal("listener not detached")
	}
	if err := inst.AddMarker(Marker{ID: "x"}); err == nil {
		t.Fatal("expected destroyed instance to reject markers")
	}
	if st := r.Status(); st.State != Unloaded || st.Markers != 0 || st.Provider != "" {
		t.Fatalf("unexpected status after unmount %+v", st)
	}
	if err := r.Unmount(); err != nil {
		t.Fatalf("second Unmount: %v", err)
	}
	if err := r.Mount(context.Background(), "map", View{}); err != nil {
		t.Fatalf("remount: %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	all := []State{Unloaded, LoadingPrimary, ReadyPrimary, LoadingFallback, ReadyFallback, Failed}
	allowed := map[[2]State]bool{
		{Unloaded, LoadingPrimary}:        true,
		{LoadingPrimary, ReadyPrimary}:    true,
		{LoadingPrimary, LoadingFallback}: true,
		{LoadingFallback, ReadyFallback}:  true,
		{LoadingFallback, Failed}:         true,
		{Failed, LoadingPrimary}:          true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}] || (to == Unloaded && from != Unloaded)
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
	if LoadingPrimary.CanTransition(Failed) {
		t.Error("primary failure must go through the fallback")
	}
}

func TestHTTPProviderLoadAndReady(t *testing.T) {
	var readyHits atomic.Int32
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sdk.js":
			gotKey = r.URL.Query().Get("appkey")
			w.Write([]byte("window.kakao = {}"))
		case "/ready":
			if readyHits.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{Name: "kakao", ScriptURL: srv.URL + "/sdk.js", ReadyURL: srv.URL + "/ready", APIKey: "k1"})
	if err := p.Ready(context.Background()); !errors.Is(err, errNotLoaded) {
		t.Fatalf("expected errNotLoaded before Load, got %v", err)
	}

	r := testRenderer(p, nil)
	if err := r.Mount(context.Background(), "map", View{Center: seoul(), ShowUserLocation: true}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if r.State() != ReadyPrimary {
		t.Fatalf("expected READY_PRIMARY, got %s", r.State())
	}
	if gotKey != "k1" {
		t.Fatalf("expected api key on script request, got %q", gotKey)
	}

	broken := NewHTTPProvider(HTTPProviderConfig{Name: "broken", ScriptURL: srv.URL + "/missing.js"})
	if err := broken.Load(context.Background()); err == nil {
		t.Fatal("expected 404 load to fail")
	}
}

func TestHangingReadinessProbeIsBounded(t *testing.T) {
	primary := &hangingProvider{fakeProvider{name: "kakao"}}
	fallback := &fakeProvider{name: "leaflet"}
	cfg := DefaultConfig()
	cfg.LoadTimeout = 20 * time.Millisecond
	cfg.Readiness = Readiness{Attempts: 20, Interval: time.Millisecond}
	r := New(primary, fallback, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	start := time.Now()
	if err := r.Mount(context.Background(), "map", View{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("readiness wait not bounded, took %s", elapsed)
	}
	if got := r.State(); got != ReadyFallback {
		t.Fatalf("expected READY_FALLBACK, got %s", got)
	}
	if primary.readyCalls.Load() != 1 {
		t.Fatalf("expected the hanging probe to be abandoned, got %d probes", primary.readyCalls.Load())
	}
}
