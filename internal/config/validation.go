package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Auth.PrincipalHeader == "" {
		c.Auth.PrincipalHeader = "X-User-ID"
	}
	if c.Payments.Stripe.Mode == "" {
		c.Payments.Stripe.Mode = "test"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.PostgresTableName == "" {
		c.Storage.PostgresTableName = "purchases"
	}
	if c.Storage.MongoDBCollection == "" {
		c.Storage.MongoDBCollection = "purchases"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}
	c.RetryLimit.Backend = strings.ToLower(strings.TrimSpace(c.RetryLimit.Backend))
	if c.RetryLimit.Backend == "" {
		c.RetryLimit.Backend = "memory"
	}
	if c.RetryLimit.ResetWindow.Duration <= 0 {
		c.RetryLimit.ResetWindow = Duration{Duration: 24 * time.Hour}
	}
	if c.RetryLimit.KeyPrefix == "" {
		c.RetryLimit.KeyPrefix = "entitlements:retry:"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "entitlements.purchases"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1.0
	}

	c.Catalog.Source = strings.ToLower(strings.TrimSpace(c.Catalog.Source))
	if c.Catalog.Source == "" {
		c.Catalog.Source = "yaml"
	}
	if c.Catalog.PostgresProductsTable == "" {
		c.Catalog.PostgresProductsTable = "catalog_products"
	}
	if c.Catalog.PostgresFeaturesTable == "" {
		c.Catalog.PostgresFeaturesTable = "catalog_features"
	}

	// Merge the standalone catalog file; inline entries win on conflict.
	if c.Catalog.File != "" {
		doc, err := LoadCatalogFile(c.Catalog.File)
		if err != nil {
			return err
		}
		if c.Catalog.Products == nil {
			c.Catalog.Products = map[string]Product{}
		}
		if c.Catalog.Features == nil {
			c.Catalog.Features = map[string]Feature{}
		}
		for id, p := range doc.Products {
			if _, ok := c.Catalog.Products[id]; !ok {
				c.Catalog.Products[id] = p
			}
		}
		for id, f := range doc.Features {
			if _, ok := c.Catalog.Features[id]; !ok {
				c.Catalog.Features[id] = f
			}
		}
	}
	for id, p := range c.Catalog.Products {
		if p.Currency == "" {
			p.Currency = "usd"
		}
		c.Catalog.Products[id] = p
	}
	for id, f := range c.Catalog.Features {
		f.Level = strings.ToLower(strings.TrimSpace(f.Level))
		if f.Level == "" {
			f.Level = "premium"
		}
		c.Catalog.Features[id] = f
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	if c.RetryLimit.MaxRetries < 0 {
		errs = append(errs, "retry_limit.max_retries must not be negative")
	}
	switch c.RetryLimit.Backend {
	case "memory":
	case "redis":
		if c.RetryLimit.RedisURL == "" {
			errs = append(errs, "retry_limit.redis_url is required when backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("retry_limit.backend %q is not supported (memory, redis)", c.RetryLimit.Backend))
	}

	switch c.Payments.Provider {
	case "sandbox":
		// Without a signer key an ephemeral one is generated at startup.
	case "stripe":
		if c.Payments.Stripe.SecretKey == "" {
			errs = append(errs, "payments.stripe.secret_key is required when provider is 'stripe'")
		}
	default:
		errs = append(errs, fmt.Sprintf("payments.provider %q is not supported (sandbox, stripe)", c.Payments.Provider))
	}

	switch c.Catalog.Source {
	case "yaml":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when catalog.source is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.source %q is not supported (yaml, postgres)", c.Catalog.Source))
	}

	for id, p := range c.Catalog.Products {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "catalog.products contains an empty product id")
		}
		if p.PriceCents < 0 {
			errs = append(errs, fmt.Sprintf("catalog.product %q has a negative price", id))
		}
		for _, fid := range p.Features {
			if _, ok := c.Catalog.Features[fid]; !ok {
				errs = append(errs, fmt.Sprintf("catalog.product %q references unknown feature %q", id, fid))
			}
		}
	}
	for id, f := range c.Catalog.Features {
		switch f.Level {
		case "free":
		case "premium":
			if f.RequiredProductID != "" {
				if _, ok := c.Catalog.Products[f.RequiredProductID]; !ok {
					errs = append(errs, fmt.Sprintf("catalog.feature %q requires unknown product %q", id, f.RequiredProductID))
				}
			}
		default:
			errs = append(errs, fmt.Sprintf("catalog.feature %q has unsupported level %q (free, premium)", id, f.Level))
		}
	}

	if c.Events.Enabled && len(c.Events.KafkaBrokers) == 0 {
		errs = append(errs, "events.kafka_brokers is required when events are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		errs = append(errs, "tracing.otlp_endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
