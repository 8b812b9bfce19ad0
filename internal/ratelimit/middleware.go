package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

// Config holds HTTP request rate limiting configuration.
type Config struct {
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Per-user limiting keys on the authenticated principal and falls back to
	// the client IP for anonymous requests.
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration

	Metrics *metrics.Metrics
}

// FromAppConfig maps the rate_limit section onto Config.
func FromAppConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		PerIPEnabled:   cfg.PerIPEnabled,
		PerIPLimit:     cfg.PerIPLimit,
		PerIPWindow:    cfg.PerIPWindow.Duration,
		PerUserEnabled: cfg.PerUserEnabled,
		PerUserLimit:   cfg.PerUserLimit,
		PerUserWindow:  cfg.PerUserWindow.Duration,
		Metrics:        m,
	}
}

type rateLimitResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rateLimitResponse{
			Code:              "RATE_LIMITED",
			Message:           "Too many requests. Please try again later.",
			Retryable:         true,
			RetryAfterSeconds: seconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// IPLimiter limits requests per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
}

// UserLimiter limits requests per principal. It must run after the principal
// middleware has populated the request context.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled || cfg.PerUserLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(userKey),
		httprate.WithLimitHandler(limitHandler("per_user", cfg.PerUserWindow, cfg.Metrics)),
	)
}

func userKey(r *http.Request) (string, error) {
	if p, ok := authz.FromContext(r.Context()); ok {
		return "user:" + p.ID, nil
	}
	return httprate.KeyByIP(r)
}
