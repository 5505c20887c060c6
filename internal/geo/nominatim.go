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

	"golang.org/x/time/rate"
)

// GeocoderConfig defines settings for the reverse geocoding service.
type GeocoderConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	UserAgent      string        `yaml:"userAgent"`
	Language       string        `yaml:"language"`
	RequestsPerSec float64       `yaml:"requestsPerSec"`
	Timeout        time.Duration `yaml:"timeout"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
}

// NominatimGeocoder reverse geocodes against an OSM Nominatim instance.
type NominatimGeocoder struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *ttlCache
	config     GeocoderConfig
}

func NewNominatimGeocoder(config GeocoderConfig) *NominatimGeocoder {
	if config.BaseURL == "" {
		config.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if config.RequestsPerSec == 0 {
		config.RequestsPerSec = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.UserAgent == "" {
		config.UserAgent = "symptom-triage/1.0"
	}

	return &NominatimGeocoder{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
		cache:      newTTLCache(config.CacheTTL),
		config:     config,
	}
}

type nominatimReverse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City     string `json:"city"`
		Town     string `json:"town"`
		County   string `json:"county"`
		Borough  string `json:"borough"`
		Suburb   string `json:"suburb"`
		Quarter  string `json:"quarter"`
		Road     string `json:"road"`
		Province string `json:"province"`
	} `json:"address"`
}

// ReverseGeocode returns a short "city district neighbourhood" label.
func (n *NominatimGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	cacheKey := fmt.Sprintf("reverse_%.5f_%.5f", lat, lng)
	if val, found := n.cache.get(cacheKey, n.config.CacheTTL); found {
		return val.(string), nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return "", err
	}

	params := url.Values{
		"lat":    {fmt.Sprintf("%f", lat)},
		"lon":    {fmt.Sprintf("%f", lng)},
		"format": {"jsonv2"},
		"zoom":   {"16"},
	}
	if n.config.Language != "" {
		params.Set("accept-language", n.config.Language)
	}
	endpoint := fmt.Sprintf("%s/reverse?%s", n.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.config.UserAgent)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	var data nominatimReverse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	if data.Error != "" {
		return "", errors.New(data.Error)
	}

	label := regionLabel(data)
	if label == "" {
		return "", errors.New("address not found")
	}
	n.cache.set(cacheKey, label)
	return label, nil
}

func regionLabel(data nominatimReverse) string {
	a := data.Address
	parts := make([]string, 0, 3)
	for _, candidates := range [][]string{
		{a.City, a.Town, a.Province},
		{a.Borough, a.County},
		{a.Suburb, a.Quarter, a.Road},
	} {
		for _, c := range candidates {
			if c = strings.TrimSpace(c); c != "" {
				parts = append(parts, c)
				break
			}
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(data.DisplayName)
	}
	return strings.Join(parts, " ")
}

// StaticGeocoder answers every lookup with the same label or error.
type StaticGeocoder struct {
	Label string
	Err   error
}

func (s StaticGeocoder) ReverseGeocode(context.Context, float64, float64) (string, error) {
	return s.Label, s.Err
}
