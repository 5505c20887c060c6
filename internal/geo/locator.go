package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ReportedPosition is a position the client device already obtained.
type ReportedPosition Point

func (r ReportedPosition) Locate(context.Context, Options) (Point, error) {
	return Point(r), nil
}

// ReportedError is a failure the client device reported with its W3C code.
type ReportedError struct {
	Code    int
	Message string
}

func (r ReportedError) Locate(context.Context, Options) (Point, error) {
	kind, ok := KindFromCode(r.Code)
	if !ok {
		kind = PositionUnavailable
	}
	var err error
	if r.Message != "" {
		err = errors.New(r.Message)
	}
	return Point{}, &LocationError{Kind: kind, Err: err}
}

const (
	// IP lookups resolve to a city at best.
	ipAccuracyM = 5000
	// Longest maximum age an IP fix can be reused for.
	ipCacheRetention = time.Hour
)

// IPLocator resolves a coarse position from the caller's IP address using an
// ip-api compatible endpoint. Results are cached for Options.MaximumAge.
type IPLocator struct {
	baseURL    string
	httpClient *http.Client
	cache      *ttlCache
}

func NewIPLocator(baseURL string, timeout time.Duration) *IPLocator {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &IPLocator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      newTTLCache(ipCacheRetention),
	}
}

// ForAddr binds the locator to one client address.
func (l *IPLocator) ForAddr(addr string) Locator {
	return ipLookup{locator: l, addr: addr}
}

type ipLookup struct {
	locator *IPLocator
	addr    string
}

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (q ipLookup) Locate(ctx context.Context, opts Options) (Point, error) {
	l := q.locator
	if opts.MaximumAge > 0 {
		if val, ok := l.cache.get(q.addr, opts.MaximumAge); ok {
			return val.(Point), nil
		}
	}

	params := url.Values{"fields": {"status,message,lat,lon"}}
	endpoint := fmt.Sprintf("%s/json/%s?%s", l.baseURL, url.PathEscape(q.addr), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Point{}, err
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, &LocationError{Kind: PositionUnavailable, Err: fmt.Errorf("ip lookup HTTP %d", resp.StatusCode)}
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Point{}, fmt.Errorf("decode ip lookup: %w", err)
	}
	if body.Status != "success" {
		return Point{}, &LocationError{Kind: PositionUnavailable, Err: fmt.Errorf("ip lookup: %s", body.Message)}
	}

	p := Point{Lat: body.Lat, Lng: body.Lon, Accuracy: floatPtr(ipAccuracyM)}
	l.cache.set(q.addr, p)
	return p, nil
}
