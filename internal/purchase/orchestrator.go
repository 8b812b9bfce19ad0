// Package purchase drives the purchase and restore flows: pay, verify,
// throttle failed verifications, persist, unlock.
package purchase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/catalog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/events"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/receipt"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/telemetry"
)

// PurchaseStore is the part of the persistent store the flows use.
type PurchaseStore interface {
	GetPurchase(ctx context.Context, txID string) (storage.Purchase, error)
	InsertOrUpdatePurchase(ctx context.Context, p storage.Purchase) error
}

// Gate is the part of the feature gating service the flows use.
type Gate interface {
	Product(productID string) (catalog.Product, bool)
	GetUnlockedFeaturesByProduct(ctx context.Context, productID string) []catalog.Feature
	Grant(userID string, p storage.Purchase)
	Invalidate(userID string)
	Refresh(ctx context.Context) error
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Provider payment.Provider
	Verifier receipt.Verifier
	Store    PurchaseStore
	Limiter  *retrylimit.Limiter
	Guard    *authz.Guard
	Gate     Gate
	Notifier events.Notifier
	Metrics  *metrics.Metrics
}

// StateObserver is told about every state transition of a purchase attempt.
type StateObserver func(ctx context.Context, productID string, from, to State)

// Orchestrator runs purchase and restore flows. Construct once and share.
type Orchestrator struct {
	deps     Dependencies
	now      func() time.Time
	observer StateObserver

	purchases *inflight
	restores  *inflight
	parked    *parkedReceipts
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStateObserver registers fn for state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New validates deps and returns an orchestrator.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Provider == nil:
		return nil, errors.New("purchase: payment provider is required")
	case deps.Verifier == nil:
		return nil, errors.New("purchase: receipt verifier is required")
	case deps.Store == nil:
		return nil, errors.New("purchase: store is required")
	case deps.Limiter == nil:
		return nil, errors.New("purchase: retry limiter is required")
	case deps.Guard == nil:
		return nil, errors.New("purchase: authorization guard is required")
	case deps.Gate == nil:
		return nil, errors.New("purchase: feature gate is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = events.NoopNotifier{}
	}
	o := &Orchestrator{
		deps:      deps,
		now:       time.Now,
		purchases: newInflight(),
		restores:  newInflight(),
		parked:    newParkedReceipts(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// attempt carries one PurchaseProduct call through its states.
type attempt struct {
	o         *Orchestrator
	ctx       context.Context
	span      trace.Span
	log       zerolog.Logger
	productID string
	state     State
}

func (a *attempt) to(next State) {
	prev := a.state
	a.state = next
	a.span.AddEvent("state." + next.String())
	a.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("purchase.state_changed")
	if a.o.observer != nil {
		a.o.observer(a.ctx, a.productID, prev, next)
	}
}

// fail moves to the error exit for err's code and returns err.
func (a *attempt) fail(err *apierrors.Error) *apierrors.Error {
	a.to(exitState(err.Code))
	telemetry.RecordError(a.span, string(err.Code), err)
	return err
}

func exitState(code apierrors.ErrorCode) State {
	switch code {
	case apierrors.ErrCodeCancelled:
		return StateCancelled
	case apierrors.ErrCodeNetworkError, apierrors.ErrCodeStoreProblem:
		return StateNetworkError
	case apierrors.ErrCodeVerificationFailed:
		return StateVerificationFailed
	case apierrors.ErrCodeDatabaseError:
		return StateDBError
	default:
		return StateUnknownError
	}
}

// PurchaseProduct charges the principal for productID, verifies the receipt,
// persists the purchase and returns it with its unlocked features. The error
// is always an *apierrors.Error.
func (o *Orchestrator) PurchaseProduct(ctx context.Context, productID string) (result storage.Purchase, err error) {
	started := o.now()
	ctx, span := telemetry.Tracer().Start(ctx, "purchase.PurchaseProduct",
		trace.WithAttributes(attribute.String("entitlements.product_id", productID)))
	defer span.End()

	log := logger.FromContext(ctx).With().Str("product_id", productID).Logger()
	a := &attempt{o: o, ctx: ctx, span: span, log: log, productID: productID}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("state", a.state.String()).Msg("purchase.panic_recovered")
			result = storage.Purchase{}
			err = a.fail(apierrors.New(apierrors.ErrCodeUnknownError, "unexpected failure during purchase"))
		}
		outcome := "success"
		if err != nil {
			outcome = string(apierrors.CodeOf(err))
		}
		o.deps.Metrics.ObservePurchase(o.deps.Provider.Name(), outcome, o.now().Sub(started))
	}()

	principal, perr := o.deps.Guard.Principal(ctx)
	if perr != nil {
		return storage.Purchase{}, perr
	}
	if strings.TrimSpace(productID) == "" {
		return storage.Purchase{}, apierrors.New(apierrors.ErrCodeInvalidInput, "product id is required")
	}
	product, ok := o.deps.Gate.Product(productID)
	if !ok {
		return storage.Purchase{}, apierrors.Wrap(apierrors.ErrCodeNotFound, "unknown product", catalog.ErrProductNotFound)
	}

	key := principal.ID + "\x00" + productID
	if !o.purchases.acquire(key) {
		return storage.Purchase{}, apierrors.New(apierrors.ErrCodePurchaseInProgress, "a purchase of this product is already in progress")
	}
	defer o.purchases.release(key)

	log = log.With().Str("user_id", logger.TruncateID(principal.ID)).Logger()
	a.log = log

	raw, resumed := o.parked.get(key)
	if resumed {
		if !o.deps.Limiter.CanRetry(ctx, raw.TransactionID) {
			log.Warn().Str("tx_id", logger.TruncateID(raw.TransactionID)).Msg("purchase.retry_limited")
			return storage.Purchase{}, a.fail(apierrors.New(apierrors.ErrCodeVerificationFailed,
				"verification retries exhausted; manual intervention required").WithRetryable(false))
		}
		log.Info().Str("tx_id", logger.TruncateID(raw.TransactionID)).Msg("purchase.resuming_parked_receipt")
	} else {
		a.to(StatePaying)
		paid, payErr := o.deps.Provider.Pay(ctx, principal.ID, product)
		if payErr != nil {
			log.Warn().Err(payErr).Msg("purchase.payment_failed")
			return storage.Purchase{}, a.fail(classifyProviderError(payErr))
		}
		if !paid.Complete() {
			return storage.Purchase{}, a.fail(apierrors.New(apierrors.ErrCodeMalformedResponse, "payment provider returned an incomplete receipt"))
		}
		if paid.UserID == "" {
			paid.UserID = principal.ID
		}
		raw = paid
		// Paid but not yet persisted: later attempts must not charge again.
		o.parked.put(key, raw)
	}
	span.SetAttributes(attribute.String("entitlements.tx_id", raw.TransactionID))

	a.to(StateVerifying)
	verified, vErr := o.verify(ctx, principal.ID, raw)
	if errors.Is(vErr, receipt.ErrReceiptExpired) {
		vErr = receipt.Invalid(vErr.Error())
	}
	if vErr != nil {
		if !errors.Is(vErr, receipt.ErrInvalidReceipt) {
			log.Warn().Err(vErr).Str("tx_id", logger.TruncateID(raw.TransactionID)).Msg("purchase.verifier_unreachable")
			return storage.Purchase{}, a.fail(apierrors.Wrap(apierrors.ErrCodeNetworkError, "receipt verifier unavailable", vErr))
		}
		return storage.Purchase{}, a.fail(o.verificationFailed(ctx, log, raw.TransactionID, vErr))
	}
	if err := o.deps.Limiter.Clear(ctx, raw.TransactionID); err != nil {
		log.Warn().Err(err).Msg("purchase.retry_clear_failed")
	}

	a.to(StatePersisting)
	features := o.deps.Gate.GetUnlockedFeaturesByProduct(ctx, productID)
	now := o.now().UTC()
	record := storage.Purchase{
		TransactionID:    verified.TransactionID,
		UserID:           principal.ID,
		ProductID:        productID,
		PurchasedAt:      firstTime(verified.PurchasedAt, raw.PurchasedAt, now),
		PriceCents:       verified.PriceCents,
		CurrencyCode:     verified.Currency,
		IsVerified:       true,
		IsSynced:         true,
		SyncedAt:         &now,
		UnlockedFeatures: catalog.FeatureIDs(features),
		VerifiedAt:       &verified.VerifiedAt,
		Source:           storage.SourcePurchase,
	}
	owner := principal.ID
	existing, found, gerr := o.lookup(ctx, record.TransactionID)
	if gerr != nil {
		log.Error().Err(gerr).Str("tx_id", logger.TruncateID(record.TransactionID)).Msg("purchase.persist_failed")
		return storage.Purchase{}, a.fail(gerr)
	}
	if found {
		owner = existing.UserID
	}
	if err := o.write(ctx, owner, record); err != nil {
		if err.Code == apierrors.ErrCodeForbidden {
			// The receipt stays parked until an operator resolves the collision.
			log.Error().Str("tx_id", logger.TruncateID(record.TransactionID)).Msg("purchase.foreign_transaction")
		} else {
			log.Error().Err(err).Str("tx_id", logger.TruncateID(record.TransactionID)).Msg("purchase.persist_failed")
		}
		return storage.Purchase{}, a.fail(err)
	}
	o.parked.delete(key)
	record = record.Normalize()

	a.to(StateUnlocked)
	o.deps.Gate.Grant(principal.ID, record)
	o.deps.Notifier.PurchaseCompleted(ctx, events.PurchaseEvent{
		TransactionID:    record.TransactionID,
		UserID:           record.UserID,
		ProductID:        record.ProductID,
		Provider:         o.deps.Provider.Name(),
		PriceCents:       record.PriceCents,
		CurrencyCode:     record.CurrencyCode,
		UnlockedFeatures: record.UnlockedFeatures,
		PurchasedAt:      record.PurchasedAt,
	})
	log.Info().
		Str("tx_id", logger.TruncateID(record.TransactionID)).
		Strs("unlocked_features", record.UnlockedFeatures).
		Msg("purchase.unlocked")
	return record, nil
}

// verify runs the verifier and rejects receipts issued to someone else. An
// expired receipt is returned with its claims and receipt.ErrReceiptExpired.
func (o *Orchestrator) verify(ctx context.Context, userID string, raw receipt.Raw) (receipt.Verified, error) {
	started := o.now()
	v, err := o.deps.Verifier.Verify(ctx, raw)
	genuine := err == nil || errors.Is(err, receipt.ErrReceiptExpired)
	if genuine && v.UserID != "" && v.UserID != userID {
		err = receipt.Invalid("receipt issued to another user")
		genuine = false
	}
	if genuine && v.TransactionID == "" {
		v.TransactionID = raw.TransactionID
	}
	if genuine && v.VerifiedAt.IsZero() {
		v.VerifiedAt = o.now().UTC()
	}

	result := "valid"
	switch {
	case errors.Is(err, receipt.ErrInvalidReceipt):
		result = "invalid"
	case errors.Is(err, receipt.ErrReceiptExpired):
		result = "expired"
	case err != nil:
		result = "error"
	}
	o.deps.Metrics.ObserveVerification(result, o.now().Sub(started))
	return v, err
}

// verificationFailed records the failure and decides retryability from the
// limiter's view after the increment.
func (o *Orchestrator) verificationFailed(ctx context.Context, log zerolog.Logger, txID string, cause error) *apierrors.Error {
	status, err := o.deps.Limiter.RecordFailure(ctx, txID)
	retryable := err == nil && o.deps.Limiter.CanRetry(ctx, txID)

	log.Warn().
		Err(cause).
		Str("tx_id", logger.TruncateID(txID)).
		Int("failure_count", status.FailureCount).
		Bool("retryable", retryable).
		Msg("purchase.verification_failed")

	msg := "receipt verification failed"
	if !retryable {
		msg = "receipt verification failed; manual intervention required"
	}
	return apierrors.Wrap(apierrors.ErrCodeVerificationFailed, msg, cause).WithRetryable(retryable)
}

// write persists p after the guard confirms the principal may write a record
// owned by owner, the stored record's user when one exists.
func (o *Orchestrator) write(ctx context.Context, owner string, p storage.Purchase) *apierrors.Error {
	allowed, err := o.deps.Guard.CanWritePurchase(ctx, owner)
	if err != nil {
		return apierrors.As(err)
	}
	if !allowed {
		return apierrors.New(apierrors.ErrCodeForbidden, "purchase belongs to another user")
	}
	if err := o.deps.Store.InsertOrUpdatePurchase(ctx, p); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to persist purchase", err)
	}
	return nil
}

// ParkedReceipts reports how many paid receipts are awaiting a successful retry.
func (o *Orchestrator) ParkedReceipts() int {
	return o.parked.count()
}

// classifyProviderError maps payment provider failures onto error codes.
// Anything unrecognised, including an open circuit breaker, is a network error.
func classifyProviderError(err error) *apierrors.Error {
	switch {
	case errors.Is(err, payment.ErrCancelled):
		return apierrors.Wrap(apierrors.ErrCodeCancelled, "payment cancelled", err)
	case errors.Is(err, payment.ErrStoreProblem):
		return apierrors.Wrap(apierrors.ErrCodeStoreProblem, "payment platform reported a problem", err)
	default:
		return apierrors.Wrap(apierrors.ErrCodeNetworkError, "payment provider unavailable", err)
	}
}

func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Time{}
}
