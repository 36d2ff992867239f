package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/techmatch/internal/metrics"
	"github.com/aussiebroadwan/techmatch/internal/sessionstore/sqlite"
	"github.com/aussiebroadwan/techmatch/pkg/apisdk"
	"github.com/aussiebroadwan/techmatch/pkg/cryptox"
	"github.com/aussiebroadwan/techmatch/pkg/httpx"
	"github.com/aussiebroadwan/techmatch/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the SDK together for one process.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	store      apisdk.SessionStore
	closeStore func() error
	registry   *prometheus.Registry
	metrics    *metrics.Collector

	// Clients
	API             *apisdk.Client
	Recommendations *apisdk.RecommendationClient
	Cache           *apisdk.RecommendationCache

	janitor       *Janitor
	started       bool
	metricsServer *http.Server
}

// New creates an Application with all dependencies initialized. Nothing runs
// in the background until Start.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "techmatch",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		registry: prometheus.NewRegistry(),
	}
	app.metrics = metrics.New(app.registry)

	if err := app.initSessionStore(); err != nil {
		return nil, err
	}
	app.initClients()

	return app, nil
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Start launches the cache janitor and, when configured, the metrics server.
func (app *Application) Start() error {
	app.janitor.Start()
	app.started = true

	if app.cfg.MetricsAddr == "" {
		return nil
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	app.metricsServer = &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics server failed", "error", err)
		}
	}()
	app.logger.Info("metrics server listening", "addr", app.cfg.MetricsAddr)

	return nil
}

// Shutdown stops background work and releases the session store.
func (app *Application) Shutdown(ctx context.Context) error {
	if app.started {
		app.janitor.Stop()
		app.started = false
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("graceful metrics server shutdown failed", "error", err)
			_ = app.metricsServer.Close()
		}
	}

	if app.closeStore != nil {
		if err := app.closeStore(); err != nil {
			app.logger.Error("error closing session store", "error", err)
			return err
		}
	}

	return nil
}

// initSessionStore opens the configured SessionStore.
func (app *Application) initSessionStore() error {
	switch app.cfg.SessionStore {
	case SessionStoreMemory:
		app.store = apisdk.NewMemoryStore(apisdk.Session{})
		return nil

	case SessionStoreSQLite, "":
		sealer, err := cryptox.LoadSealer(app.cfg.SessionKeyPath())
		if err != nil {
			return fmt.Errorf("failed to load session key: %w", err)
		}

		db, err := sqlite.NewStore(app.cfg.SessionDatabaseFile, sealer, sqlite.WithLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to open session database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply session database migrations: %w", err)
		}

		app.store = db
		app.closeStore = db.Close
		app.logger.Debug("session database ready", "file", app.cfg.SessionDatabaseFile)
		return nil

	default:
		return fmt.Errorf("unknown session store %q", app.cfg.SessionStore)
	}
}

// initClients builds the transport chain and the SDK clients on top of it:
//
//	Client.HTTPClient -> RefreshCoordinator -> Transport -> slogx.Transport -> RateLimitedTransport -> network
func (app *Application) initClients() {
	base := slogx.NewTransport(app.logger, httpx.NewRateLimitedTransport(
		app.cfg.OutboundLimit,
		httpx.HostKeyExtractor,
		http.DefaultTransport,
	))

	hooks := app.metrics.Hooks().Merge(apisdk.Hooks{
		OnSessionExpired: func(err error) {
			app.logger.Warn("session expired, run login again", "error", err)
		},
	})

	app.API = apisdk.NewClient(app.cfg.APIBaseURL, app.store,
		apisdk.WithBaseTransport(base),
		apisdk.WithTimeout(app.cfg.HTTPTimeout),
		apisdk.WithRefreshTimeout(app.cfg.RefreshTimeout),
		apisdk.WithLogger(app.logger),
		apisdk.WithHooks(hooks),
	)

	app.Recommendations = apisdk.NewRecommendationClient(app.API,
		apisdk.WithServiceURL(app.cfg.MLBaseURL),
		apisdk.WithRetryPolicy(app.cfg.RetryPolicy()),
		apisdk.WithAttemptTimeout(app.cfg.RecommendAttemptTimeout),
		apisdk.WithHealthTimeout(app.cfg.HealthTimeout),
	)

	app.Cache = apisdk.NewRecommendationCache(app.Recommendations,
		apisdk.WithTTL(app.cfg.CacheTTL),
		apisdk.WithFailureTTL(app.cfg.CacheFailureTTL),
		apisdk.WithCacheLogger(app.logger),
		apisdk.WithCacheHooks(hooks),
	)

	app.janitor = NewJanitor(app.Cache, app.logger, app.cfg.CachePurgeInterval)
	app.janitor.OnPurge = func(remaining int) {
		app.metrics.CacheEntries.Set(float64(remaining))
	}
}

// RecommendationResult is the outcome for one service request.
type RecommendationResult struct {
	RequestID       int64                   `json:"requestId"`
	Recommendations []apisdk.Recommendation `json:"recommendations"`
	Error           string                  `json:"error,omitempty"`
}

// Recommend looks up every request id concurrently through the cache. A
// request whose lookup fails is reported with its error and an empty list;
// only an expired session aborts the whole batch.
func (app *Application) Recommend(ctx context.Context, requestIDs []int64) ([]RecommendationResult, error) {
	results := make([]RecommendationResult, len(requestIDs))
	errs := make([]error, len(requestIDs))

	var wg sync.WaitGroup
	for i, id := range requestIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := app.Cache.Get(slogx.WithContext(ctx, app.logger.With("service_request", id)), id)
			results[i] = RecommendationResult{RequestID: id, Recommendations: recs}
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, apisdk.ErrRefreshFailed) {
			return nil, err
		}
		results[i].Recommendations = []apisdk.Recommendation{}
		results[i].Error = err.Error()
	}
	return results, nil
}
