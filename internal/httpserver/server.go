package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/apikey"
	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/idempotency"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchase"
	"github.com/CedrosPay/entitlements/internal/ratelimit"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/telemetry"
)

var serverStartTime = time.Now()

// FeatureGate answers feature questions for the current principal.
type FeatureGate interface {
	GetFeatureDefinition(ctx context.Context, featureID string) (catalog.Feature, error)
	CanAccessSync(ctx context.Context, featureID string) bool
	CanAccess(ctx context.Context, featureID string) bool
}

// Purchaser runs purchase and restore flows.
type Purchaser interface {
	PurchaseProduct(ctx context.Context, productID string) (storage.Purchase, error)
	RestorePurchases(ctx context.Context) (purchase.RestoreResult, error)
}

// History lists and deletes purchase records.
type History interface {
	List(ctx context.Context, userID string) ([]storage.Purchase, error)
	Delete(ctx context.Context, userID, txID string) error
}

// RetryAdmin exposes retry limiter state to operators.
type RetryAdmin interface {
	Status(ctx context.Context, txID string) retrylimit.Status
	ListLimited(ctx context.Context) ([]retrylimit.Status, error)
	Statistics(ctx context.Context) (retrylimit.Statistics, error)
	Clear(ctx context.Context, txID string) error
}

// Dependencies are the engine components served over HTTP.
type Dependencies struct {
	Gate      FeatureGate
	Purchases Purchaser
	History   History
	Retries   RetryAdmin
	// Idempotency records purchase responses. Nil uses an in-memory store.
	Idempotency idempotency.Store
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg    *config.Config
	deps   Dependencies
	logger zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Dependencies, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{cfg: cfg, deps: deps, logger: appLogger},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	ConfigureRouter(router, cfg, deps, appLogger)
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ConfigureRouter attaches entitlement routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Dependencies, appLogger zerolog.Logger) {
	if router == nil {
		return
	}
	handler := handlers{cfg: cfg, deps: deps, logger: appLogger}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", cfg.Auth.PrincipalHeader},
			ExposedHeaders:   []string{"X-Request-ID", "X-Trace-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(appLogger))
	router.Use(telemetry.Middleware)
	router.Use(middleware.Recoverer)

	// Principal must be resolved before per-user rate limiting.
	router.Use(principalMiddleware(cfg.Auth.PrincipalHeader))

	rateLimitCfg := ratelimit.FromAppConfig(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.IPLimiter(rateLimitCfg))
	router.Use(ratelimit.UserLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.With(apikey.RequireBearer(cfg.Auth.AdminAPIKey, apikey.Open)).
			Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		r.Get(prefix+"/v1/features/{featureID}", handler.getFeature)
		r.Get(prefix+"/v1/features/{featureID}/access", handler.checkFeatureAccess)
	})

	idempotencyStore := deps.Idempotency
	if idempotencyStore == nil {
		idempotencyStore = idempotency.NewMemoryStore(idempotency.DefaultMaxEntries)
	}
	idempotencyMW := idempotency.Middleware(idempotencyStore, cfg.Server.IdempotencyTTL.Duration)

	// Purchase flows wait on the payment platform and verifier.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.With(idempotencyMW).Post(prefix+"/v1/purchases", handler.purchaseProduct)
		r.Post(prefix+"/v1/purchases/restore", handler.restorePurchases)
		r.Get(prefix+"/v1/users/{userID}/purchases", handler.listPurchases)
		r.Delete(prefix+"/v1/users/{userID}/purchases/{txID}", handler.deletePurchase)
	})

	router.Route(prefix+"/admin", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(apikey.RequireBearer(cfg.Auth.AdminAPIKey, apikey.Closed))
		r.Get("/retries", handler.listLimitedRetries)
		r.Get("/retries/stats", handler.retryStatistics)
		r.Get("/retries/{txID}", handler.retryStatus)
		r.Delete("/retries/{txID}", handler.clearRetry)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
