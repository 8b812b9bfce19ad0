package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the entitlement engine.
// Every Observe method is safe to call on a nil *Metrics.
type Metrics struct {
	// Purchase metrics
	PurchasesTotal   *prometheus.CounterVec
	PurchaseDuration *prometheus.HistogramVec

	// Receipt verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec

	// Retry limiter metrics
	RetryFailuresTotal prometheus.Counter
	RetryLimitedTotal  prometheus.Counter
	RetryClearsTotal   prometheus.Counter

	// Restore metrics
	RestoresTotal        *prometheus.CounterVec
	RestoredRecordsTotal *prometheus.CounterVec

	// Gating and authorization metrics
	FeatureChecksTotal *prometheus.CounterVec
	AuthzDenialsTotal  *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Event publishing metrics
	EventsPublishedTotal *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_purchases_total",
				Help: "Purchase attempts by provider and outcome (success or error code)",
			},
			[]string{"provider", "outcome"},
		),
		PurchaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_purchase_duration_seconds",
				Help:    "Time from payment start to unlocked entitlement",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_receipt_verifications_total",
				Help: "Receipt verification attempts by result",
			},
			[]string{"result"},
		),
		VerificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_receipt_verification_duration_seconds",
				Help:    "Receipt verification latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"result"},
		),

		RetryFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "entitlements_retry_failures_total",
				Help: "Verification failures recorded by the retry limiter",
			},
		),
		RetryLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "entitlements_retry_limited_total",
				Help: "Transactions that crossed the retry limit and need manual intervention",
			},
		),
		RetryClearsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "entitlements_retry_clears_total",
				Help: "Retry records cleared after success or by an operator",
			},
		),

		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_restores_total",
				Help: "Restore invocations by outcome",
			},
			[]string{"outcome"},
		),
		RestoredRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_restored_records_total",
				Help: "Records reconciled during restore by kind (new, updated, unchanged)",
			},
			[]string{"kind"},
		),

		FeatureChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_feature_checks_total",
				Help: "Feature access checks by mode and decision",
			},
			[]string{"mode", "decision"},
		),
		AuthzDenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_authz_denials_total",
				Help: "Authorization guard denials by operation and reason",
			},
			[]string{"operation", "reason"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_events_published_total",
				Help: "Purchase events published by type and status",
			},
			[]string{"event_type", "status"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "entitlements_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObservePurchase records a purchase attempt. outcome is "success" or the error code.
func (m *Metrics) ObservePurchase(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(provider, outcome).Inc()
	m.PurchaseDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveVerification records one receipt verification. result is valid, invalid or error.
func (m *Metrics) ObserveVerification(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
	m.VerificationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveRetryFailure records a limiter failure and whether it crossed the limit.
func (m *Metrics) ObserveRetryFailure(crossedLimit bool) {
	if m == nil {
		return
	}
	m.RetryFailuresTotal.Inc()
	if crossedLimit {
		m.RetryLimitedTotal.Inc()
	}
}

// ObserveRetryClear records a cleared retry record.
func (m *Metrics) ObserveRetryClear() {
	if m == nil {
		return
	}
	m.RetryClearsTotal.Inc()
}

// ObserveRestore records a restore run and its per-record reconciliation counts.
func (m *Metrics) ObserveRestore(outcome string, newCount, updatedCount, unchangedCount int) {
	if m == nil {
		return
	}
	m.RestoresTotal.WithLabelValues(outcome).Inc()
	m.RestoredRecordsTotal.WithLabelValues("new").Add(float64(newCount))
	m.RestoredRecordsTotal.WithLabelValues("updated").Add(float64(updatedCount))
	m.RestoredRecordsTotal.WithLabelValues("unchanged").Add(float64(unchangedCount))
}

// ObserveFeatureCheck records a gating decision. mode is sync or fresh.
func (m *Metrics) ObserveFeatureCheck(mode string, granted bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if granted {
		decision = "granted"
	}
	m.FeatureChecksTotal.WithLabelValues(mode, decision).Inc()
}

// ObserveAuthzDenial records a guard rejection.
func (m *Metrics) ObserveAuthzDenial(operation, reason string) {
	if m == nil {
		return
	}
	m.AuthzDenialsTotal.WithLabelValues(operation, reason).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveEvent records an event publish attempt.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// SetCircuitBreakerState records the current breaker state for a service.
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
