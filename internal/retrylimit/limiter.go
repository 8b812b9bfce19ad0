// Package retrylimit throttles repeated receipt verification failures per
// transaction. A transaction may be retried while its failure count is at most
// MaxRetries; beyond that it requires manual intervention until the record
// expires or an operator clears it.
package retrylimit

import (
	"context"
	"strings"
	"time"

	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries  = 3
	DefaultResetWindow = 24 * time.Hour
)

// Record is the failure history of one transaction. The reset window is
// anchored at the first failure.
type Record struct {
	FailureCount  int
	LastFailureAt time.Time
	ResetAt       time.Time
}

// Store persists retry records. Implementations serialize updates per key and
// treat records whose ResetAt is before now as absent, deleting them on access.
type Store interface {
	Load(ctx context.Context, txID string, now time.Time) (Record, bool, error)
	Increment(ctx context.Context, txID string, now time.Time, window time.Duration) (Record, error)
	Delete(ctx context.Context, txID string) (bool, error)
	// Range visits every live record, purging expired ones. Returning false stops iteration.
	Range(ctx context.Context, now time.Time, fn func(txID string, rec Record) bool) error
	Close() error
}

// Status is the externally visible view of a transaction's retry state.
type Status struct {
	TransactionID              string     `json:"transactionId"`
	FailureCount               int        `json:"failureCount"`
	MaxRetries                 int        `json:"maxRetries"`
	LastFailureAt              *time.Time `json:"lastFailureAt,omitempty"`
	ResetAt                    *time.Time `json:"resetAt,omitempty"`
	CanRetry                   bool       `json:"canRetry"`
	IsLimited                  bool       `json:"isLimited"`
	RequiresManualIntervention bool       `json:"requiresManualIntervention"`
}

// Statistics summarizes the limiter's live records.
type Statistics struct {
	TrackedTransactions int   `json:"trackedTransactions"`
	LimitedTransactions int   `json:"limitedTransactions"`
	MaxRetries          int   `json:"maxRetries"`
	ResetWindowSeconds  int64 `json:"resetWindowSeconds"`
}

// Config controls limiter thresholds.
type Config struct {
	MaxRetries  int
	ResetWindow time.Duration
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store      Store
	maxRetries int
	window     time.Duration
	now        func() time.Time
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore replaces the default in-memory store.
func WithStore(store Store) Option {
	return func(l *Limiter) {
		if store != nil {
			l.store = store
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter. A negative MaxRetries or non-positive ResetWindow
// falls back to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		maxRetries: cfg.MaxRetries,
		window:     cfg.ResetWindow,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	if l.maxRetries < 0 {
		l.maxRetries = DefaultMaxRetries
	}
	if l.window <= 0 {
		l.window = DefaultResetWindow
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l
}

// MaxRetries returns the configured limit.
func (l *Limiter) MaxRetries() int { return l.maxRetries }

// ResetWindow returns the configured record lifetime.
func (l *Limiter) ResetWindow() time.Duration { return l.window }

// CanRetry reports whether another verification attempt is allowed.
// Invalid ids and store failures deny.
func (l *Limiter) CanRetry(ctx context.Context, txID string) bool {
	id, ok := normalizeID(txID)
	if !ok {
		return false
	}
	rec, found, err := l.store.Load(ctx, id, l.now())
	if err != nil {
		l.logger(ctx).Error().Err(err).
			Str("tx_id", logger.TruncateID(id)).
			Msg("retrylimit.load_failed")
		return false
	}
	if !found {
		return true
	}
	return rec.FailureCount <= l.maxRetries
}

// RecordFailure increments the failure count and returns the resulting status.
// Invalid ids are ignored.
func (l *Limiter) RecordFailure(ctx context.Context, txID string) (Status, error) {
	id, ok := normalizeID(txID)
	if !ok {
		return Status{}, nil
	}
	rec, err := l.store.Increment(ctx, id, l.now(), l.window)
	if err != nil {
		l.logger(ctx).Error().Err(err).
			Str("tx_id", logger.TruncateID(id)).
			Msg("retrylimit.record_failed")
		return Status{}, err
	}

	crossed := rec.FailureCount == l.maxRetries+1
	l.metrics.ObserveRetryFailure(crossed)

	status := l.toStatus(id, rec, true)
	level := zerolog.InfoLevel
	if crossed {
		level = zerolog.WarnLevel
	}
	l.logger(ctx).WithLevel(level).
		Bool("requires_manual_intervention", status.RequiresManualIntervention).
		Str("tx_id", logger.TruncateID(id)).
		Int("failure_count", rec.FailureCount).
		Int("max_retries", l.maxRetries).
		Time("reset_at", rec.ResetAt).
		Msg("retrylimit.failure_recorded")
	return status, nil
}

// Count returns the live failure count, or 0 when absent, expired or invalid.
func (l *Limiter) Count(ctx context.Context, txID string) int {
	id, ok := normalizeID(txID)
	if !ok {
		return 0
	}
	rec, found, err := l.store.Load(ctx, id, l.now())
	if err != nil || !found {
		return 0
	}
	return rec.FailureCount
}

// Clear removes the record. Clearing an absent record is a no-op.
func (l *Limiter) Clear(ctx context.Context, txID string) error {
	id, ok := normalizeID(txID)
	if !ok {
		return nil
	}
	existed, err := l.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if existed {
		l.metrics.ObserveRetryClear()
		l.logger(ctx).Info().Str("tx_id", logger.TruncateID(id)).Msg("retrylimit.cleared")
	}
	return nil
}

// Status reports the transaction's retry state. Invalid ids yield the zero Status.
func (l *Limiter) Status(ctx context.Context, txID string) Status {
	id, ok := normalizeID(txID)
	if !ok {
		return Status{}
	}
	rec, found, err := l.store.Load(ctx, id, l.now())
	if err != nil {
		l.logger(ctx).Error().Err(err).
			Str("tx_id", logger.TruncateID(id)).
			Msg("retrylimit.load_failed")
		return Status{TransactionID: id, MaxRetries: l.maxRetries}
	}
	return l.toStatus(id, rec, found)
}

// ListLimited returns every live record that requires manual intervention.
func (l *Limiter) ListLimited(ctx context.Context) ([]Status, error) {
	var out []Status
	err := l.store.Range(ctx, l.now(), func(id string, rec Record) bool {
		if rec.FailureCount > l.maxRetries {
			out = append(out, l.toStatus(id, rec, true))
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Statistics counts live and limited records.
func (l *Limiter) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		MaxRetries:         l.maxRetries,
		ResetWindowSeconds: int64(l.window / time.Second),
	}
	err := l.store.Range(ctx, l.now(), func(_ string, rec Record) bool {
		stats.TrackedTransactions++
		if rec.FailureCount > l.maxRetries {
			stats.LimitedTransactions++
		}
		return ctx.Err() == nil
	})
	return stats, err
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func (l *Limiter) toStatus(id string, rec Record, found bool) Status {
	s := Status{
		TransactionID: id,
		MaxRetries:    l.maxRetries,
		CanRetry:      true,
	}
	if !found {
		return s
	}
	last, reset := rec.LastFailureAt, rec.ResetAt
	s.FailureCount = rec.FailureCount
	s.LastFailureAt = &last
	s.ResetAt = &reset
	s.IsLimited = rec.FailureCount > l.maxRetries
	s.RequiresManualIntervention = s.IsLimited
	s.CanRetry = !s.IsLimited
	return s
}

func (l *Limiter) logger(ctx context.Context) *zerolog.Logger {
	if reqLog := logger.FromContext(ctx); reqLog.GetLevel() != zerolog.Disabled {
		return &reqLog
	}
	return &l.log
}

// normalizeID rejects blank ids. Valid ids are keyed exactly as given.
func normalizeID(txID string) (string, bool) {
	return txID, strings.TrimSpace(txID) != ""
}
