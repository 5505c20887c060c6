package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaximumAge = 5 * time.Minute
)

// Options mirrors the platform position options. Zero fields fall back to
// the defaults; a negative MaximumAge asks for a fresh position.
//
// In JSON both durations are integer milliseconds, as browsers send them,
// and an explicit maximum_age of 0 asks for a fresh position.
type Options struct {
	EnableHighAccuracy *bool         `yaml:"enableHighAccuracy"`
	Timeout            time.Duration `yaml:"timeout"`
	MaximumAge         time.Duration `yaml:"maximumAge"`
}

type optionsJSON struct {
	EnableHighAccuracy *bool  `json:"enable_high_accuracy,omitempty"`
	TimeoutMs          *int64 `json:"timeout,omitempty"`
	MaximumAgeMs       *int64 `json:"maximum_age,omitempty"`
}

func (o Options) MarshalJSON() ([]byte, error) {
	out := optionsJSON{EnableHighAccuracy: o.EnableHighAccuracy}
	if o.Timeout > 0 {
		ms := o.Timeout.Milliseconds()
		out.TimeoutMs = &ms
	}
	if o.MaximumAge != 0 {
		ms := max(o.MaximumAge.Milliseconds(), 0)
		out.MaximumAgeMs = &ms
	}
	return json.Marshal(out)
}

func (o *Options) UnmarshalJSON(data []byte) error {
	var in optionsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Options{EnableHighAccuracy: in.EnableHighAccuracy}
	if in.TimeoutMs != nil {
		o.Timeout = time.Duration(*in.TimeoutMs) * time.Millisecond
	}
	if in.MaximumAgeMs != nil {
		o.MaximumAge = time.Duration(*in.MaximumAgeMs) * time.Millisecond
		if *in.MaximumAgeMs <= 0 {
			o.MaximumAge = -1
		}
	}
	return nil
}

func DefaultOptions() Options {
	highAccuracy := true
	return Options{
		EnableHighAccuracy: &highAccuracy,
		Timeout:            DefaultTimeout,
		MaximumAge:         DefaultMaximumAge,
	}
}

// Merge returns o with every unset field taken from base.
func (o Options) Merge(base Options) Options {
	out := base
	if o.EnableHighAccuracy != nil {
		out.EnableHighAccuracy = o.EnableHighAccuracy
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.MaximumAge != 0 {
		out.MaximumAge = o.MaximumAge
	}
	if out.MaximumAge < 0 {
		out.MaximumAge = 0
	}
	return out
}

func (o Options) HighAccuracy() bool {
	return o.EnableHighAccuracy != nil && *o.EnableHighAccuracy
}

// Locator is the platform capability that answers "where am I".
type Locator interface {
	Locate(ctx context.Context, opts Options) (Point, error)
}

// ReverseGeocoder turns a coordinate into a human readable address.
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// Fix is an acquired position with its best-effort region label.
type Fix struct {
	Point  Point  `json:"point"`
	Region string `json:"region,omitempty"`
}

type Acquirer struct {
	locator  Locator
	geocoder ReverseGeocoder
	defaults Options
	logger   *slog.Logger
}

func NewAcquirer(locator Locator, geocoder ReverseGeocoder, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		locator:  locator,
		geocoder: geocoder,
		defaults: DefaultOptions(),
		logger:   logger,
	}
}

// WithDefaults replaces the options applied under caller-supplied ones.
func (a *Acquirer) WithDefaults(opts Options) *Acquirer {
	cp := *a
	cp.defaults = opts.Merge(DefaultOptions())
	return &cp
}

// WithLocator returns a copy of the acquirer that asks l for positions.
func (a *Acquirer) WithLocator(l Locator) *Acquirer {
	cp := *a
	cp.locator = l
	return &cp
}

// CurrentPosition asks the locator for a position within opts.Timeout.
// Every failure is returned as a *LocationError.
func (a *Acquirer) CurrentPosition(ctx context.Context, opts Options) (Point, error) {
	opts = opts.Merge(a.defaults)
	if a.locator == nil {
		return Point{}, &LocationError{Kind: PositionUnavailable, Err: errors.New("no locator configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type located struct {
		point Point
		err   error
	}
	done := make(chan located, 1)
	go func() {
		p, err := a.locator.Locate(ctx, opts)
		done <- located{p, err}
	}()

	select {
	case <-ctx.Done():
		return Point{}, Classify(ctx.Err())
	case res := <-done:
		if res.err != nil {
			return Point{}, Classify(res.err)
		}
		if !res.point.Valid() {
			return Point{}, &LocationError{Kind: PositionUnavailable, Err: errors.New("invalid coordinate")}
		}
		return res.point, nil
	}
}

// ReverseGeocode returns the address for a coordinate, or "" when the
// lookup fails. Failures are logged and never returned.
func (a *Acquirer) ReverseGeocode(ctx context.Context, lat, lng float64) string {
	if a.geocoder == nil {
		return ""
	}
	label, err := a.geocoder.ReverseGeocode(ctx, lat, lng)
	if err != nil {
		a.logger.Warn("reverse geocode failed", "error", err)
		return ""
	}
	return label
}

// Acquire resolves the current position and labels it with a region.
func (a *Acquirer) Acquire(ctx context.Context, opts Options) (Fix, error) {
	p, err := a.CurrentPosition(ctx, opts)
	if err != nil {
		return Fix{}, err
	}
	return Fix{Point: p, Region: a.ReverseGeocode(ctx, p.Lat, p.Lng)}, nil
}
