package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

// ServiceType identifies an external dependency with its own breaker.
type ServiceType string

const (
	ServiceReceiptVerifier ServiceType = "receipt_verifier"
	ServicePaymentProvider ServiceType = "payment_provider"
)

// ErrOpen is returned instead of calling the dependency while its breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Manager holds one breaker per external service so a failing verifier cannot
// take the payment provider down with it.
type Manager struct {
	enabled  bool
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32

	// IsSuccessful decides which errors still count as a healthy call.
	// Nil means only a nil error is healthy.
	IsSuccessful func(err error) bool
}

// Config holds breaker configuration per service.
type Config struct {
	Enabled  bool
	Services map[ServiceType]BreakerConfig
}

// FromAppConfig maps the circuit_breaker section onto Config. healthy marks
// errors that mean "the dependency answered" (e.g. an invalid receipt).
func FromAppConfig(cfg config.CircuitBreakerConfig, healthy func(error) bool) Config {
	convert := func(s config.BreakerServiceConfig) BreakerConfig {
		return BreakerConfig{
			MaxRequests:         s.MaxRequests,
			Interval:            s.Interval.Duration,
			Timeout:             s.Timeout.Duration,
			ConsecutiveFailures: s.ConsecutiveFailures,
			FailureRatio:        s.FailureRatio,
			MinRequests:         s.MinRequests,
			IsSuccessful:        healthy,
		}
	}
	return Config{
		Enabled: cfg.Enabled,
		Services: map[ServiceType]BreakerConfig{
			ServiceReceiptVerifier: convert(cfg.ReceiptVerifier),
			ServicePaymentProvider: convert(cfg.PaymentProvider),
		},
	}
}

// NewManager creates a manager. A disabled config yields a pass-through manager.
func NewManager(cfg Config, m *metrics.Metrics, log zerolog.Logger) *Manager {
	mgr := &Manager{
		enabled:  cfg.Enabled,
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		metrics:  m,
		log:      log,
	}
	if !cfg.Enabled {
		return mgr
	}
	for service, bc := range cfg.Services {
		mgr.breakers[service] = gobreaker.NewCircuitBreaker(mgr.settings(string(service), bc))
		m.SetCircuitBreakerState(string(service), int(gobreaker.StateClosed))
	}
	return mgr
}

// Execute runs fn behind the service's breaker. Unknown services and a
// disabled manager pass straight through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	out, err := breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return out, err
}

// State returns the breaker state name, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"totalSuccesses"`
	TotalFailures        uint32 `json:"totalFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if m == nil || !m.enabled {
		return Counts{}
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

func (m *Manager) settings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:         name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		IsSuccessful: cfg.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.metrics.SetCircuitBreakerState(name, int(to))
			m.log.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_changed")
		},
	}
}
