package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Auth           AuthConfig           `yaml:"auth"`
	Storage        StorageConfig        `yaml:"storage"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	RetryLimit     RetryLimitConfig     `yaml:"retry_limit"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Receipts       ReceiptsConfig       `yaml:"receipts"`
	Events         EventsConfig         `yaml:"events"`
	Tracing        TracingConfig        `yaml:"tracing"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`    // Optional prefix for all routes (e.g., "/api")
	IdempotencyTTL     Duration `yaml:"idempotency_ttl"` // How long purchase responses replay for a repeated Idempotency-Key (default: 24h)
}

// AuthConfig controls how the principal is resolved and how admin routes are protected.
type AuthConfig struct {
	PrincipalHeader string `yaml:"principal_header"` // Header set by the upstream session provider (default: X-User-ID)
	AdminAPIKey     string `yaml:"admin_api_key"`    // Bearer key for /admin and /metrics (empty disables admin routes)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds purchase store backend configuration.
type StorageConfig struct {
	Backend           string             `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL       string             `yaml:"postgres_url"`
	PostgresTableName string             `yaml:"postgres_table_name"` // default: purchases
	MongoDBURL        string             `yaml:"mongodb_url"`
	MongoDBDatabase   string             `yaml:"mongodb_database"`
	MongoDBCollection string             `yaml:"mongodb_collection"` // default: purchases
	PostgresPool      PostgresPoolConfig `yaml:"postgres_pool"`
	QueryTimeout      Duration           `yaml:"query_timeout"`
}

// CatalogConfig holds the product catalog source.
type CatalogConfig struct {
	Source   string             `yaml:"source"`    // "yaml" (default) or "postgres"
	File     string             `yaml:"file"`      // Optional YAML file with products and features
	CacheTTL Duration           `yaml:"cache_ttl"` // How long to cache catalog listings (0 = no cache)
	Products map[string]Product `yaml:"products"`
	Features map[string]Feature `yaml:"features"`

	PostgresProductsTable string `yaml:"postgres_products_table"` // default: catalog_products
	PostgresFeaturesTable string `yaml:"postgres_features_table"` // default: catalog_features
}

// Product is a purchasable catalog entry.
type Product struct {
	Name          string   `yaml:"name"`
	PriceCents    int64    `yaml:"price_cents"`
	Currency      string   `yaml:"currency"`
	StripePriceID string   `yaml:"stripe_price_id"`
	Features      []string `yaml:"features"` // Feature IDs unlocked by this product
}

// Feature is a gated capability.
type Feature struct {
	Level             string `yaml:"level"` // "free" or "premium"
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	RequiredProductID string `yaml:"required_product_id"`
}

// RetryLimitConfig configures verification retry throttling.
type RetryLimitConfig struct {
	MaxRetries  int      `yaml:"max_retries"`  // Failures allowed before manual intervention (default: 3)
	ResetWindow Duration `yaml:"reset_window"` // Lifetime of a failure record (default: 24h)
	Backend     string   `yaml:"backend"`      // "memory" or "redis"
	RedisURL    string   `yaml:"redis_url"`
	KeyPrefix   string   `yaml:"key_prefix"` // default: entitlements:retry:
}

// PaymentsConfig selects and configures the payment provider.
type PaymentsConfig struct {
	Provider string        `yaml:"provider"` // "sandbox" or "stripe"
	Stripe   StripeConfig  `yaml:"stripe"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey string `yaml:"secret_key"`
	Mode      string `yaml:"mode"` // live | test
}

// SandboxConfig configures the development payment provider that issues signed receipts.
type SandboxConfig struct {
	SignerPrivateKey string `yaml:"-"` // base58 ed25519 key, loaded from env only
}

// ReceiptsConfig configures signed receipt verification.
type ReceiptsConfig struct {
	TrustedSigners []string `yaml:"trusted_signers"` // base58 public keys allowed to sign receipts
	MaxAge         Duration `yaml:"max_age"`         // Reject receipts issued longer ago (0 = no limit)
}

// EventsConfig configures purchase event publishing.
type EventsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"` // default: entitlements.purchases
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // host:port of an OTLP/HTTP collector
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// RateLimitConfig holds HTTP request rate limiting configuration.
type RateLimitConfig struct {
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	ReceiptVerifier BreakerServiceConfig `yaml:"receipt_verifier"`
	PaymentProvider BreakerServiceConfig `yaml:"payment_provider"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
