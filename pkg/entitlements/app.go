// Package entitlements assembles the entitlement engine for embedding in a
// host service or serving standalone.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/dbpool"
	"github.com/CedrosPay/entitlements/internal/events"
	"github.com/CedrosPay/entitlements/internal/gating"
	"github.com/CedrosPay/entitlements/internal/history"
	"github.com/CedrosPay/entitlements/internal/httpserver"
	"github.com/CedrosPay/entitlements/internal/idempotency"
	"github.com/CedrosPay/entitlements/internal/lifecycle"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/purchase"
	"github.com/CedrosPay/entitlements/internal/receipt"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
	"github.com/CedrosPay/entitlements/internal/sandbox"
	"github.com/CedrosPay/entitlements/internal/storage"
	stripesvc "github.com/CedrosPay/entitlements/internal/stripe"
	"github.com/CedrosPay/entitlements/internal/telemetry"
)

// App holds the wired engine components.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Catalog  catalog.Repository
	Limiter  *retrylimit.Limiter
	Gating   *gating.Service
	Purchase *purchase.Orchestrator
	History  *history.Service
	Notifier events.Notifier
	Breakers *circuitbreaker.Manager

	server    *httpserver.Server
	resources *lifecycle.Manager
	registry  *prometheus.Registry
	logger    zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store     storage.Store
	provider  payment.Provider
	verifier  receipt.Verifier
	notifier  events.Notifier
	principal authz.PrincipalFunc
	logger    *zerolog.Logger
	version   string
}

// WithStore sets a custom purchase store. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPaymentProvider replaces the configured payment provider.
func WithPaymentProvider(p payment.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithVerifier replaces the configured receipt verifier.
func WithVerifier(v receipt.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithNotifier injects an event notifier. The caller keeps ownership.
func WithNotifier(n events.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithPrincipalFunc overrides how the current principal is read from a context.
func WithPrincipalFunc(fn authz.PrincipalFunc) Option {
	return func(o *options) { o.principal = fn }
}

// WithLogger sets the base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// WithVersion is reported by /health and tracing.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// NewApp assembles the engine. On error every resource opened so far is closed.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("entitlements: config required")
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	log := zerolog.Nop()
	if o.logger != nil {
		log = *o.logger
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(log),
		registry:  prometheus.NewRegistry(),
		logger:    log,
	}
	defer func() {
		if err != nil {
			_ = app.resources.Close()
		}
	}()

	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.registry)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, "entitlements", o.version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app.resources.RegisterShutdown("tracing", shutdownTracing)

	var pool *dbpool.SharedPool
	if dbpool.Required(cfg) {
		pool, err = dbpool.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.resources.Register("postgres", pool)
	}

	if o.store != nil {
		app.Store = o.store
	} else {
		app.Store, err = storage.NewStoreWithDB(storage.StoreConfigFrom(cfg.Storage, m), pool.DB())
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		app.resources.Register("storage", app.Store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			log.Warn().Msg("entitlements.memory_store: purchases are lost on restart")
		}
	}

	app.Catalog, err = catalog.NewRepositoryWithDB(cfg.Catalog, cfg.Storage, pool.DB(), m)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	app.resources.Register("catalog", app.Catalog)

	limiterOpts := []retrylimit.Option{retrylimit.WithLogger(log), retrylimit.WithMetrics(m)}
	if cfg.RetryLimit.Backend == "redis" {
		store, rerr := retrylimit.NewRedisStoreFromURL(ctx, cfg.RetryLimit.RedisURL, cfg.RetryLimit.KeyPrefix)
		if rerr != nil {
			return nil, fmt.Errorf("init retry limiter: %w", rerr)
		}
		limiterOpts = append(limiterOpts, retrylimit.WithStore(store))
	}
	app.Limiter = retrylimit.New(retrylimit.Config{
		MaxRetries:  cfg.RetryLimit.MaxRetries,
		ResetWindow: cfg.RetryLimit.ResetWindow.Duration,
	}, limiterOpts...)
	app.resources.Register("retry_limiter", app.Limiter)

	guard := authz.NewGuard(o.principal, m)
	app.Gating, err = gating.New(ctx, app.Catalog, app.Store, guard, m)
	if err != nil {
		return nil, fmt.Errorf("init gating: %w", err)
	}

	provider, verifier, err := buildPayments(cfg, o)
	if err != nil {
		return nil, err
	}
	app.Breakers = circuitbreaker.NewManager(circuitbreaker.FromAppConfig(cfg.CircuitBreaker, circuitbreaker.Healthy), m, log)

	app.Notifier = o.notifier
	if app.Notifier == nil {
		app.Notifier = events.NoopNotifier{}
		if cfg.Events.Enabled {
			kn, kerr := events.NewKafkaNotifier(cfg.Events.KafkaBrokers, cfg.Events.Topic, m)
			if kerr != nil {
				return nil, fmt.Errorf("init events: %w", kerr)
			}
			app.Notifier = kn
			app.resources.Register("events", kn)
		}
	}

	app.Purchase, err = purchase.New(purchase.Dependencies{
		Provider: circuitbreaker.WrapProvider(provider, app.Breakers),
		Verifier: circuitbreaker.WrapVerifier(verifier, app.Breakers),
		Store:    app.Store,
		Limiter:  app.Limiter,
		Guard:    guard,
		Gate:     app.Gating,
		Notifier: app.Notifier,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	app.History = history.New(app.Store, guard, app.Gating)

	replays := idempotency.NewMemoryStore(idempotency.DefaultMaxEntries)
	app.resources.Register("idempotency", replays)

	app.server = httpserver.New(cfg, httpserver.Dependencies{
		Gate:        app.Gating,
		Purchases:   app.Purchase,
		History:     app.History,
		Retries:     app.Limiter,
		Idempotency: replays,
		Metrics:     m,
		Gatherer:    app.registry,
		Version:     o.version,
	}, log)

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("catalog", cfg.Catalog.Source).
		Str("provider", provider.Name()).
		Str("retry_backend", cfg.RetryLimit.Backend).
		Bool("events", cfg.Events.Enabled).
		Msg("entitlements.app_ready")
	return app, nil
}

// buildPayments picks the payment provider and the verifier for its receipts.
// Sandbox receipts are always verifiable by signature so a switch to Stripe
// keeps restoring old development purchases.
func buildPayments(cfg *config.Config, o options) (payment.Provider, receipt.Verifier, error) {
	signatures, err := receipt.NewSignatureVerifier(cfg.Receipts.TrustedSigners, cfg.Receipts.MaxAge.Duration)
	if err != nil {
		return nil, nil, fmt.Errorf("init receipt verifier: %w", err)
	}
	router := receipt.NewRouter().Register(sandbox.ProviderName, signatures)

	provider := o.provider
	switch {
	case provider != nil:
	case cfg.Payments.Provider == stripesvc.ProviderName:
		client := stripesvc.NewClient(cfg.Payments.Stripe)
		router.Register(stripesvc.ProviderName, client)
		provider = client
	default:
		sb, serr := sandbox.New(cfg.Payments.Sandbox.SignerPrivateKey)
		if serr != nil {
			return nil, nil, fmt.Errorf("init sandbox provider: %w", serr)
		}
		signatures.Trust(sb.PublicKey())
		provider = sb
	}

	if o.verifier != nil {
		return provider, o.verifier, nil
	}
	return provider, router, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Server returns the HTTP server for standalone serving.
func (a *App) Server() *httpserver.Server {
	return a.server
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	return a.resources.Close()
}
