package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the finalized default configuration without reading files or env.
func Default() *Config {
	cfg := defaultConfig()
	_ = cfg.finalize()
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	breaker := BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}

	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 60 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			IdempotencyTTL: Duration{Duration: 24 * time.Hour},
		},
		Auth: AuthConfig{
			PrincipalHeader: "X-User-ID",
		},
		Storage: StorageConfig{
			Backend:      "memory",
			QueryTimeout: Duration{Duration: 5 * time.Second},
		},
		Catalog: CatalogConfig{
			Products: map[string]Product{},
			Features: map[string]Feature{},
		},
		RetryLimit: RetryLimitConfig{
			MaxRetries:  3,
			ResetWindow: Duration{Duration: 24 * time.Hour},
			Backend:     "memory",
			KeyPrefix:   "entitlements:retry:",
		},
		Payments: PaymentsConfig{
			Provider: "sandbox",
			Stripe:   StripeConfig{Mode: "test"},
		},
		Events: EventsConfig{
			Topic: "entitlements.purchases",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   60,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         true,
			ReceiptVerifier: breaker,
			PaymentProvider: breaker,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// LoadCatalogFile reads a standalone catalog document (products + features).
func LoadCatalogFile(path string) (CatalogConfig, error) {
	var doc CatalogConfig
	data, err := readFile(path)
	if err != nil {
		return doc, fmt.Errorf("read catalog file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse catalog yaml: %w", err)
	}
	return doc, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
