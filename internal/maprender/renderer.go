package maprender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"symptom-triage/internal/geo"
)

// State is the provider lifecycle of a Renderer.
type State int

const (
	Unloaded State = iota
	LoadingPrimary
	ReadyPrimary
	LoadingFallback
	ReadyFallback
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case LoadingPrimary:
		return "LOADING_PRIMARY"
	case ReadyPrimary:
		return "READY_PRIMARY"
	case LoadingFallback:
		return "LOADING_FALLBACK"
	case ReadyFallback:
		return "READY_FALLBACK"
	case Failed:
		return "FAILED"
	default:
		return "STATE(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Every state can be torn down back to Unloaded.
var transitions = map[State][]State{
	Unloaded:        {LoadingPrimary},
	LoadingPrimary:  {ReadyPrimary, LoadingFallback, Unloaded},
	ReadyPrimary:    {Unloaded},
	LoadingFallback: {ReadyFallback, Failed, Unloaded},
	ReadyFallback:   {Unloaded},
	Failed:          {LoadingPrimary, Unloaded},
}

// CanTransition reports whether the renderer may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ready reports whether a provider map is live.
func (s State) Ready() bool {
	return s == ReadyPrimary || s == ReadyFallback
}

var (
	ErrInvalidState   = errors.New("map renderer: action not allowed in current state")
	ErrUnmounted      = errors.New("map renderer: unmounted while loading")
	ErrMarkerNotFound = errors.New("map renderer: marker not found")
	ErrNoSelection    = errors.New("map renderer: no marker selected")
	ErrNoPhone        = errors.New("map renderer: selected marker has no phone number")
)

const defaultFailedMessage = "The map could not be loaded. Check your connection and try again."

type Config struct {
	Readiness      Readiness     `yaml:"readiness"`
	LoadTimeout    time.Duration `yaml:"loadTimeout"`
	DefaultZoom    int           `yaml:"defaultZoom"`
	DefaultCenter  geo.Point     `yaml:"defaultCenter"`
	DirectionsBase string        `yaml:"directionsBase"`
	FailedMessage  string        `yaml:"failedMessage"`
}

func DefaultConfig() Config {
	return Config{
		Readiness:      DefaultReadiness(),
		LoadTimeout:    10 * time.Second,
		DefaultZoom:    15,
		DefaultCenter:  geo.Point{Lat: 37.5665, Lng: 126.9780},
		DirectionsBase: "https://map.kakao.com/link/to/",
		FailedMessage:  defaultFailedMessage,
	}
}

// Status is a read of the renderer for the client.
type Status struct {
	State    State   `json:"state"`
	Provider string  `json:"provider,omitempty"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
	Markers  int     `json:"markers"`
	Selected *Marker `json:"selected,omitempty"`
}

// Renderer owns one map instance and its markers.
//
// Mount loads the primary provider once; any primary failure falls through
// to the fallback provider, and a fallback failure parks the renderer in
// Failed until Retry.
type Renderer struct {
	primary  Provider
	fallback Provider
	cfg      Config
	logger   *slog.Logger
	counter  *prometheus.CounterVec

	mu          sync.Mutex
	state       State
	gen         uint64
	active      Provider
	inst        Instance
	unsubscribe func()
	container   string
	view        View
	markers     []Marker
	selected    string
	lastErr     error
}

// New creates an unloaded renderer. counter, if set, is labelled (from, to).
func New(primary, fallback Provider, cfg Config, logger *slog.Logger, counter *prometheus.CounterVec) *Renderer {
	def := DefaultConfig()
	if cfg.Readiness.Attempts == 0 {
		cfg.Readiness = def.Readiness
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.DefaultZoom == 0 {
		cfg.DefaultZoom = def.DefaultZoom
	}
	if cfg.DefaultCenter == (geo.Point{}) {
		cfg.DefaultCenter = def.DefaultCenter
	}
	if cfg.DirectionsBase == "" {
		cfg.DirectionsBase = def.DirectionsBase
	}
	if cfg.FailedMessage == "" {
		cfg.FailedMessage = def.FailedMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		counter:  counter,
	}
}

func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setState must be called with mu held.
func (r *Renderer) setState(next State) {
	if !r.state.CanTransition(next) {
		r.logger.Error("map renderer: illegal transition", "from", r.state.String(), "to", next.String())
		return
	}
	r.logger.Info("map transition", "from", r.state.String(), "to", next.String())
	if r.counter != nil {
		r.counter.WithLabelValues(r.state.String(), next.String()).Inc()
	}
	r.state = next
}

func (r *Renderer) enterLoadingPrimary() uint64 {
	r.setState(LoadingPrimary)
	r.lastErr = nil
	r.gen++
	return r.gen
}

func (r *Renderer) primaryFailed(err error) {
	r.lastErr = err
	r.logger.Warn("primary map provider failed, switching to fallback", "error", err)
	r.setState(LoadingFallback)
}

func (r *Renderer) fallbackFailed(err error) {
	r.lastErr = err
	r.logger.Error("fallback map provider failed", "error", err)
	r.setState(Failed)
}

func (r *Renderer) becameReady(p Provider, inst Instance, state State) {
	r.active = p
	r.inst = inst
	r.unsubscribe = inst.OnClick(r.handleClick)
	r.setState(state)
	if err := r.rebuild(); err != nil {
		r.logger.Warn("marker rebuild incomplete", "error", err)
	}
}

// Mount loads the primary provider, falling back on any failure. It returns
// an error only when both providers failed.
func (r *Renderer) Mount(ctx context.Context, container string, view View) error {
	r.mu.Lock()
	if r.state != Unloaded {
		r.mu.Unlock()
		return fmt.Errorf("mount from %s: %w", r.state, ErrInvalidState)
	}
	r.container = container
	r.view = view
	gen := r.enterLoadingPrimary()
	r.mu.Unlock()

	return r.load(ctx, gen)
}

// Retry re-enters LoadingPrimary from Failed.
func (r *Renderer) Retry(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Failed {
		r.mu.Unlock()
		return fmt.Errorf("retry from %s: %w", r.state, ErrInvalidState)
	}
	gen := r.enterLoadingPrimary()
	r.mu.Unlock()

	return r.load(ctx, gen)
}

func (r *Renderer) load(ctx context.Context, gen uint64) error {
	inst, err := r.start(ctx, r.primary)

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		discard(inst)
		return ErrUnmounted
	}
	if err == nil {
		r.becameReady(r.primary, inst, ReadyPrimary)
		r.mu.Unlock()
		return nil
	}
	r.primaryFailed(err)
	r.mu.Unlock()

	inst, err = r.start(ctx, r.fallback)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		discard(inst)
		return ErrUnmounted
	}
	if err == nil {
		r.becameReady(r.fallback, inst, ReadyFallback)
		return nil
	}
	r.fallbackFailed(err)
	return err
}

func discard(inst Instance) {
	if inst != nil {
		_ = inst.Destroy()
	}
}

// start loads p and creates a map on it. Panics from provider code are
// reported as initialization failures.
func (r *Renderer) start(ctx context.Context, p Provider) (inst Instance, err error) {
	if p == nil {
		return nil, &ProviderError{Provider: "none", Stage: "load", Err: errors.New("provider not configured")}
	}
	name := p.Name()
	defer func() {
		if rec := recover(); rec != nil {
			inst = nil
			err = &ProviderError{Provider: name, Stage: "init", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	loadCtx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	defer cancel()
	if err := p.Load(loadCtx); err != nil {
		return nil, &ProviderError{Provider: name, Stage: "load", Err: err}
	}
	readyCtx, cancelReady := context.WithTimeout(ctx, r.cfg.Readiness.MaxWait()+r.cfg.LoadTimeout)
	defer cancelReady()
	if err := waitReady(readyCtx, p, r.cfg.Readiness); err != nil {
		return nil, &ProviderError{Provider: name, Stage: "ready", Err: err}
	}

	r.mu.Lock()
	container := r.container
	center := r.centerLocked()
	r.mu.Unlock()

	inst, err = p.NewMap(ctx, container, center, r.cfg.DefaultZoom)
	if err != nil {
		return nil, &ProviderError{Provider: name, Stage: "init", Err: err}
	}
	if inst == nil {
		return nil, &ProviderError{Provider: name, Stage: "init", Err: errors.New("provider returned no map")}
	}
	return inst, nil
}

func (r *Renderer) centerLocked() geo.Point {
	if r.view.Center != nil {
		return *r.view.Center
	}
	return r.cfg.DefaultCenter
}

// SetView recomputes the markers when any input changed.
func (r *Renderer) SetView(view View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reflect.DeepEqual(r.view, view) {
		return nil
	}
	centerChanged := !reflect.DeepEqual(r.view.Center, view.Center)
	r.view = view
	if r.inst == nil {
		return nil
	}
	var result *multierror.Error
	if centerChanged {
		if err := r.inst.SetCenter(r.centerLocked(), r.cfg.DefaultZoom); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.rebuild(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ClearMarkers removes every marker. Clearing an empty set is not an error.
func (r *Renderer) ClearMarkers() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearLocked()
}

func (r *Renderer) clearLocked() error {
	var result *multierror.Error
	if r.inst != nil {
		for _, m := range r.markers {
			if err := r.inst.RemoveMarker(m.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove marker %s: %w", m.ID, err))
			}
		}
	}
	r.markers = nil
	r.selected = ""
	return result.ErrorOrNil()
}

// rebuild must be called with mu held and a live instance.
func (r *Renderer) rebuild() error {
	result := multierror.Append(nil, r.clearLocked())
	for _, m := range BuildMarkers(r.view) {
		if err := r.inst.AddMarker(m); err != nil {
			result = multierror.Append(result, fmt.Errorf("add marker %s: %w", m.ID, err))
			continue
		}
		r.markers = append(r.markers, m)
	}
	return result.ErrorOrNil()
}

func (r *Renderer) Markers() []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Marker(nil), r.markers...)
}

func (r *Renderer) handleClick(id string) {
	if _, err := r.Select(id); err != nil {
		r.logger.Debug("click on unknown marker", "marker_id", id)
	}
}

// Select makes id the only selected marker.
func (r *Renderer) Select(id string) (Marker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.markers {
		if m.ID == id {
			r.selected = id
			return m, nil
		}
	}
	return Marker{}, ErrMarkerNotFound
}

func (r *Renderer) ClearSelection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = ""
}

func (r *Renderer) Selected() (Marker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedLocked()
}

func (r *Renderer) selectedLocked() (Marker, bool) {
	if r.selected == "" {
		return Marker{}, false
	}
	for _, m := range r.markers {
		if m.ID == r.selected {
			return m, true
		}
	}
	return Marker{}, false
}

// CallURI is the tel: link for the selected marker's phone.
func (r *Renderer) CallURI() (string, error) {
	m, ok := r.Selected()
	if !ok {
		return "", ErrNoSelection
	}
	phone := strings.Map(func(c rune) rune {
		if (c >= '0' && c <= '9') || c == '+' || c == '-' {
			return c
		}
		return -1
	}, m.Phone)
	if phone == "" {
		return "", ErrNoPhone
	}
	return "tel:" + phone, nil
}

// DirectionsURL is the external navigation link to the selected marker.
func (r *Renderer) DirectionsURL() (string, error) {
	m, ok := r.Selected()
	if !ok {
		return "", ErrNoSelection
	}
	return fmt.Sprintf("%s%s,%f,%f", r.cfg.DirectionsBase, url.PathEscape(m.Title), m.Position.Lat, m.Position.Lng), nil
}

// Unmount releases the provider map and detaches listeners. Loads still in
// flight are abandoned.
func (r *Renderer) Unmount() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	var result *multierror.Error
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if err := r.clearLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.inst != nil {
		if err := r.inst.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy map: %w", err))
		}
		r.inst = nil
	}
	r.active = nil
	if r.state != Unloaded {
		r.setState(Unloaded)
	}
	return result.ErrorOrNil()
}

func (r *Renderer) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state, Markers: len(r.markers)}
	if r.active != nil {
		st.Provider = r.active.Name()
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	if r.state == Failed {
		st.Message = r.cfg.FailedMessage
	}
	if m, ok := r.selectedLocked(); ok {
		st.Selected = &m
	}
	return st
}
