package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"symptom-triage/internal/agent"
	"symptom-triage/internal/config"
	"symptom-triage/internal/consultation"
	"symptom-triage/internal/geo"
	"symptom-triage/internal/loading"
	"symptom-triage/internal/maprender"
	"symptom-triage/internal/observability"
	"symptom-triage/internal/platform/telegram"
	"symptom-triage/internal/report"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	// 1. Infrastructure
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	coord := loading.New(loading.WithGauge(metrics.Inflight), loading.WithLogger(logger))

	repo := openRepository(cfg.DatabaseURL, logger)

	// 2. Clients
	var client consultation.AgentClient
	if cfg.Analysis.UseMock {
		logger.Info("using mock analysis client")
		client = agent.NewMockClient()
	} else {
		client = agent.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Timeout)
	}

	var geocoder geo.ReverseGeocoder = geo.StaticGeocoder{}
	if !cfg.Location.Offline {
		geocoder = geo.NewNominatimGeocoder(cfg.Location.Geocoder)
	}
	acquirer := geo.NewAcquirer(nil, geocoder, logger).WithDefaults(cfg.Location.Defaults)
	ipLocator := geo.NewIPLocator(cfg.Location.IPLookupURL, 0)

	var handoff consultation.HandoffSender
	if tg := telegram.NewClient(cfg.Intake.BotToken); tg.Enabled() && cfg.Intake.ChatID != "" {
		handoff = report.NewService(tg, cfg.Intake.ChatID, cfg.Intake.FontPath, logger)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN or INTAKE_CHAT_ID not set, hospital handoff disabled")
	}

	primary := maprender.NewHTTPProvider(cfg.Map.Primary)
	fallback := maprender.NewHTTPProvider(cfg.Map.Fallback)

	// 3. Services
	svc := consultation.NewService(consultation.Deps{
		Repo:      repo,
		Client:    client,
		Acquirer:  acquirer,
		IPLocator: ipLocator,
		Handoff:   handoff,
		Loading:   coord,
		Metrics:   metrics,
		Logger:    logger,
		NewMap: func(l *slog.Logger) *maprender.Renderer {
			return maprender.New(primary, fallback, cfg.Map.Renderer, l, metrics.MapTransitions)
		},
	})
	handler := consultation.NewHandler(svc)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestIDContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, handler)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, svc, cfg.SessionIdleTimeout, logger)

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown", "error", err)
	}
}

// openRepository connects to PostgreSQL and applies migrations. Without a
// reachable database the outcome log is kept in memory.
func openRepository(dsn string, logger *slog.Logger) consultation.Repository {
	if dsn == "" {
		logger.Warn("DATABASE_URL not set, keeping outcomes in memory")
		return consultation.NewMemoryRepository()
	}

	var db *sql.DB
	connect := func() error {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err = db.Ping(); err != nil {
			db.Close()
			logger.Info("waiting for database", "error", err)
			return err
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, policy); err != nil {
		logger.Error("could not connect to database, keeping outcomes in memory", "error", err)
		return consultation.NewMemoryRepository()
	}
	logger.Info("connected to database")

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		logger.Error("migration init failed", "error", err)
	} else {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Error("migration up failed", "error", err)
		} else {
			logger.Info("migrations applied")
		}
		m.Close()
	}
	return consultation.NewRepository(db)
}

func sweepSessions(ctx context.Context, svc consultation.Service, idle time.Duration, logger *slog.Logger) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.SweepIdle(ctx, idle); n > 0 {
				logger.Info("closed idle sessions", "count", n)
			}
		}
	}
}

func requestIDContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors for the web frontend.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
