package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the ENTITLEMENTS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "ENTITLEMENTS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ENTITLEMENTS_ROUTE_PREFIX")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}
	setListIfEnv(&c.Server.CORSAllowedOrigins, "ENTITLEMENTS_CORS_ALLOWED_ORIGINS")

	// Auth
	setIfEnv(&c.Auth.PrincipalHeader, "ENTITLEMENTS_PRINCIPAL_HEADER")
	setIfEnv(&c.Auth.AdminAPIKey, "ENTITLEMENTS_ADMIN_API_KEY")

	// Logging
	setIfEnv(&c.Logging.Level, "ENTITLEMENTS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ENTITLEMENTS_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ENTITLEMENTS_ENVIRONMENT")

	// Storage
	setIfEnv(&c.Storage.Backend, "ENTITLEMENTS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "ENTITLEMENTS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "ENTITLEMENTS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "ENTITLEMENTS_MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.QueryTimeout, "ENTITLEMENTS_STORAGE_QUERY_TIMEOUT")

	// Catalog
	setIfEnv(&c.Catalog.Source, "ENTITLEMENTS_CATALOG_SOURCE")
	setIfEnv(&c.Catalog.File, "ENTITLEMENTS_CATALOG_FILE")
	setDurationIfEnv(&c.Catalog.CacheTTL, "ENTITLEMENTS_CATALOG_CACHE_TTL")

	// Retry limiter
	setIntIfEnv(&c.RetryLimit.MaxRetries, "ENTITLEMENTS_RETRY_MAX_RETRIES")
	setDurationIfEnv(&c.RetryLimit.ResetWindow, "ENTITLEMENTS_RETRY_RESET_WINDOW")
	setIfEnv(&c.RetryLimit.Backend, "ENTITLEMENTS_RETRY_BACKEND")
	setIfEnv(&c.RetryLimit.RedisURL, "ENTITLEMENTS_REDIS_URL")

	// Payments
	setIfEnv(&c.Payments.Provider, "ENTITLEMENTS_PAYMENT_PROVIDER")
	setIfEnv(&c.Payments.Stripe.SecretKey, "ENTITLEMENTS_STRIPE_SECRET_KEY")
	setIfEnv(&c.Payments.Stripe.Mode, "ENTITLEMENTS_STRIPE_MODE")
	setIfEnv(&c.Payments.Sandbox.SignerPrivateKey, "ENTITLEMENTS_SANDBOX_SIGNER_KEY")

	// Receipts
	setListIfEnv(&c.Receipts.TrustedSigners, "ENTITLEMENTS_TRUSTED_SIGNERS")

	// Events
	setBoolIfEnv(&c.Events.Enabled, "ENTITLEMENTS_EVENTS_ENABLED")
	setListIfEnv(&c.Events.KafkaBrokers, "ENTITLEMENTS_KAFKA_BROKERS")
	setIfEnv(&c.Events.Topic, "ENTITLEMENTS_EVENTS_TOPIC")

	// Tracing
	setBoolIfEnv(&c.Tracing.Enabled, "ENTITLEMENTS_TRACING_ENABLED")
	setIfEnv(&c.Tracing.OTLPEndpoint, "ENTITLEMENTS_OTLP_ENDPOINT")
	setBoolIfEnv(&c.Tracing.Insecure, "ENTITLEMENTS_OTLP_INSECURE")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer when the variable parses as an integer.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setListIfEnv splits a comma separated variable into a string slice.
func setListIfEnv(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
