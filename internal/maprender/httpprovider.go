package maprender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"symptom-triage/internal/geo"
)

// HTTPProviderConfig describes one mapping provider integration.
type HTTPProviderConfig struct {
	Name      string        `yaml:"name"`
	ScriptURL string        `yaml:"scriptURL"`
	ReadyURL  string        `yaml:"readyURL"`
	APIKey    string        `yaml:"apiKey"`
	KeyParam  string        `yaml:"keyParam"`
	Timeout   time.Duration `yaml:"timeout"`
}

var errNotLoaded = errors.New("provider resource not loaded")

// HTTPProvider loads a provider SDK resource over HTTP and probes an
// optional readiness endpoint. Its maps are FeatureMaps.
type HTTPProvider struct {
	cfg        HTTPProviderConfig
	httpClient *http.Client

	mu     sync.Mutex
	loaded bool
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.KeyParam == "" {
		cfg.KeyParam = "appkey"
	}
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return p.cfg.Name
}

func (p *HTTPProvider) Load(ctx context.Context) error {
	if p.cfg.ScriptURL == "" {
		return errors.New("no script URL configured")
	}
	u, err := url.Parse(p.cfg.ScriptURL)
	if err != nil {
		return fmt.Errorf("parse script URL: %w", err)
	}
	if p.cfg.APIKey != "" {
		q := u.Query()
		q.Set(p.cfg.KeyParam, p.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	if err := p.get(ctx, u.String()); err != nil {
		return err
	}

	p.mu.Lock()
	p.loaded = true
	p.mu.Unlock()
	return nil
}

func (p *HTTPProvider) Ready(ctx context.Context) error {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()
	if !loaded {
		return errNotLoaded
	}
	if p.cfg.ReadyURL == "" {
		return nil
	}
	return p.get(ctx, p.cfg.ReadyURL)
}

func (p *HTTPProvider) get(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s%s: HTTP %d", req.URL.Host, req.URL.Path, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) NewMap(_ context.Context, container string, center geo.Point, zoom int) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil, errNotLoaded
	}
	return NewFeatureMap(p.cfg.Name, container, center, zoom), nil
}
