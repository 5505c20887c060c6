package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"symptom-triage/internal/geo"
	"symptom-triage/internal/maprender"
)

type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`
	// Sessions untouched for this long are closed.
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`

	Analysis       AnalysisConfig `yaml:"analysis"`
	Location       LocationConfig `yaml:"location"`
	Map            MapConfig      `yaml:"map"`
	Intake         IntakeConfig   `yaml:"intake"`
	AllowedOrigins []string       `yaml:"allowedOrigins"`
}

type AnalysisConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	UseMock bool          `yaml:"useMock"`
}

type LocationConfig struct {
	Defaults    geo.Options        `yaml:"defaults"`
	IPLookupURL string             `yaml:"ipLookupURL"`
	Geocoder    geo.GeocoderConfig `yaml:"geocoder"`
	// Offline replaces the geocoder with a static empty label.
	Offline bool `yaml:"offline"`
}

type MapConfig struct {
	Renderer maprender.Config             `yaml:"renderer"`
	Primary  maprender.HTTPProviderConfig `yaml:"primary"`
	Fallback maprender.HTTPProviderConfig `yaml:"fallback"`
}

// IntakeConfig is where hospital handoff summaries are sent. An empty bot
// token disables the handoff.
type IntakeConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatID"`
	FontPath string `yaml:"fontPath"`
}

func Default() Config {
	return Config{
		Port:               "8080",
		LogLevel:           "info",
		SessionIdleTimeout: 30 * time.Minute,
		Analysis: AnalysisConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 30 * time.Second,
		},
		Location: LocationConfig{
			Defaults:    geo.DefaultOptions(),
			IPLookupURL: "http://ip-api.com",
			Geocoder: geo.GeocoderConfig{
				BaseURL:        "https://nominatim.openstreetmap.org",
				UserAgent:      "symptom-triage/1.0",
				Language:       "ko",
				RequestsPerSec: 1,
				Timeout:        5 * time.Second,
				CacheTTL:       time.Hour,
			},
		},
		Map: MapConfig{
			Renderer: maprender.DefaultConfig(),
			Primary: maprender.HTTPProviderConfig{
				Name:      "kakao",
				ScriptURL: "https://dapi.kakao.com/v2/maps/sdk.js",
				KeyParam:  "appkey",
			},
			Fallback: maprender.HTTPProviderConfig{
				Name:      "leaflet",
				ScriptURL: "https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
			},
		},
		Intake: IntakeConfig{
			FontPath: "assets/fonts/NanumGothic.ttf",
		},
		AllowedOrigins: []string{"*"},
	}
}

// Load applies, in order: defaults, the YAML file at path (or
// TRIAGE_CONFIG, or configs/config.yaml when present), env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := firstNonEmpty(path, os.Getenv("TRIAGE_CONFIG"))
	file := firstNonEmpty(explicit, "configs/config.yaml")
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", file, err)
		}
	case os.IsNotExist(err) && explicit == "":
	default:
		return cfg, fmt.Errorf("read config %s: %w", file, err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvOverrides reads the deployment environment on top of cfg.
func ApplyEnvOverrides(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.Analysis.BaseURL = getEnv("ANALYSIS_BASE_URL", cfg.Analysis.BaseURL)
	cfg.Analysis.APIKey = getEnv("ANALYSIS_API_KEY", cfg.Analysis.APIKey)
	useMock, err := getBoolEnv("TRIAGE_USE_MOCK", cfg.Analysis.UseMock)
	if err != nil {
		return err
	}
	cfg.Analysis.UseMock = useMock

	cfg.Map.Primary.APIKey = getEnv("KAKAO_MAP_KEY", cfg.Map.Primary.APIKey)
	cfg.Location.Geocoder.UserAgent = getEnv("GEOCODER_USER_AGENT", cfg.Location.Geocoder.UserAgent)
	offline, err := getBoolEnv("TRIAGE_OFFLINE", cfg.Location.Offline)
	if err != nil {
		return err
	}
	cfg.Location.Offline = offline

	cfg.Intake.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Intake.BotToken)
	cfg.Intake.ChatID = getEnv("INTAKE_CHAT_ID", cfg.Intake.ChatID)
	if origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
