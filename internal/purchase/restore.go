package purchase

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CedrosPay/entitlements/internal/catalog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/events"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/receipt"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/telemetry"
)

// RestoreResult counts what a restore changed in the store.
type RestoreResult struct {
	RestoredCount  int `json:"restoredCount"`
	NewCount       int `json:"newCount"`
	UpdatedCount   int `json:"updatedCount"`
	UnchangedCount int `json:"unchangedCount"`
}

// Informational reports a successful restore that found nothing to restore.
func (r RestoreResult) Informational() bool {
	return r.RestoredCount == 0
}

// RestorePurchases reconciles the principal's platform purchase history with
// the store and refreshes their entitlements. The error is always an
// *apierrors.Error.
func (o *Orchestrator) RestorePurchases(ctx context.Context) (result RestoreResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "purchase.RestorePurchases")
	defer span.End()
	log := logger.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("restore.panic_recovered")
			result = RestoreResult{}
			err = apierrors.New(apierrors.ErrCodeUnknownError, "unexpected failure during restore")
		}
		outcome := "success"
		if err != nil {
			outcome = string(apierrors.CodeOf(err))
			telemetry.RecordError(span, outcome, err)
		}
		o.deps.Metrics.ObserveRestore(outcome, result.NewCount, result.UpdatedCount, result.UnchangedCount)
	}()

	principal, perr := o.deps.Guard.Principal(ctx)
	if perr != nil {
		return RestoreResult{}, perr
	}
	if !o.restores.acquire(principal.ID) {
		return RestoreResult{}, apierrors.New(apierrors.ErrCodeRestoreInProgress, "a restore is already in progress")
	}
	defer o.restores.release(principal.ID)

	log = log.With().Str("user_id", logger.TruncateID(principal.ID)).Logger()

	receipts, lerr := o.deps.Provider.ListHistoricalReceipts(ctx, principal.ID)
	if lerr != nil {
		log.Warn().Err(lerr).Msg("restore.list_failed")
		return RestoreResult{}, classifyProviderError(lerr)
	}
	for i, raw := range receipts {
		if raw == nil || !raw.Complete() {
			log.Warn().Int("index", i).Msg("restore.malformed_receipt")
			return RestoreResult{}, apierrors.New(apierrors.ErrCodeMalformedResponse, "payment platform returned a malformed receipt")
		}
	}
	span.SetAttributes(attribute.Int("entitlements.receipts", len(receipts)))

	for _, raw := range receipts {
		outcome, rerr := o.restoreOne(ctx, span, principal.ID, *raw)
		if rerr != nil {
			return RestoreResult{}, rerr
		}
		switch outcome {
		case restoredNew:
			result.NewCount++
		case restoredUpdated:
			result.UpdatedCount++
		case restoredUnchanged:
			result.UnchangedCount++
		}
	}
	result.RestoredCount = result.NewCount + result.UpdatedCount

	if err := o.deps.Gate.Refresh(ctx); err != nil {
		// Next CanAccess reloads from the store.
		log.Warn().Err(err).Msg("restore.gate_refresh_failed")
		o.deps.Gate.Invalidate(principal.ID)
	}
	if result.RestoredCount > 0 {
		o.deps.Notifier.PurchasesRestored(ctx, events.RestoreEvent{
			UserID:         principal.ID,
			NewCount:       result.NewCount,
			UpdatedCount:   result.UpdatedCount,
			UnchangedCount: result.UnchangedCount,
		})
	}
	log.Info().
		Int("new", result.NewCount).
		Int("updated", result.UpdatedCount).
		Int("unchanged", result.UnchangedCount).
		Msg("restore.completed")
	return result, nil
}

type restoreOutcome int

const (
	restoredSkipped restoreOutcome = iota
	restoredNew
	restoredUpdated
	restoredUnchanged
)

func (o *Orchestrator) restoreOne(ctx context.Context, span trace.Span, userID string, raw receipt.Raw) (restoreOutcome, *apierrors.Error) {
	log := logger.FromContext(ctx).With().
		Str("user_id", logger.TruncateID(userID)).
		Str("tx_id", logger.TruncateID(raw.TransactionID)).
		Logger()

	existing, found, gerr := o.lookup(ctx, raw.TransactionID)
	if gerr != nil {
		return restoredSkipped, gerr
	}
	if found {
		allowed, err := o.deps.Guard.CanWritePurchase(ctx, existing.UserID)
		if err != nil {
			return restoredSkipped, apierrors.As(err)
		}
		if !allowed {
			log.Warn().Msg("restore.foreign_record_skipped")
			return restoredSkipped, nil
		}
	}

	verified, verr := o.verify(ctx, userID, raw)
	if errors.Is(verr, receipt.ErrReceiptExpired) {
		// Age limits apply to fresh payments, not to restoring old ones.
		log.Debug().Msg("restore.receipt_past_max_age")
		verr = nil
	}
	if verr != nil {
		if !errors.Is(verr, receipt.ErrInvalidReceipt) {
			return restoredSkipped, apierrors.Wrap(apierrors.ErrCodeNetworkError, "receipt verifier unavailable", verr)
		}
		if !found || !existing.IsVerified {
			log.Info().Err(verr).Msg("restore.invalid_receipt_skipped")
			if found {
				return restoredUnchanged, nil
			}
			return restoredSkipped, nil
		}
		now := o.now().UTC()
		downgraded := existing
		downgraded.IsVerified = false
		downgraded.UnlockedFeatures = nil
		downgraded.VerifiedAt = nil
		downgraded.IsSynced = true
		downgraded.SyncedAt = &now
		if err := o.write(ctx, existing.UserID, downgraded); err != nil {
			return restoredSkipped, err
		}
		log.Warn().Err(verr).Msg("restore.purchase_downgraded")
		span.AddEvent("restore.downgraded", trace.WithAttributes(attribute.String("entitlements.tx_id", raw.TransactionID)))
		return restoredUpdated, nil
	}
	if err := o.deps.Limiter.Clear(ctx, raw.TransactionID); err != nil {
		log.Warn().Err(err).Msg("restore.retry_clear_failed")
	}

	productID := verified.ProductID
	if productID == "" {
		productID = raw.ProductID
	}
	now := o.now().UTC()
	record := storage.Purchase{
		TransactionID:    verified.TransactionID,
		UserID:           userID,
		ProductID:        productID,
		PurchasedAt:      firstTime(verified.PurchasedAt, raw.PurchasedAt, existing.PurchasedAt, now),
		PriceCents:       verified.PriceCents,
		CurrencyCode:     verified.Currency,
		IsVerified:       true,
		IsSynced:         true,
		SyncedAt:         &now,
		UnlockedFeatures: catalog.FeatureIDs(o.deps.Gate.GetUnlockedFeaturesByProduct(ctx, productID)),
		VerifiedAt:       &verified.VerifiedAt,
		Source:           storage.SourceRestore,
	}
	if found {
		record.Source = existing.Source
		if sameEntitlement(existing, record) {
			return restoredUnchanged, nil
		}
	}
	owner := userID
	if found {
		owner = existing.UserID
	}
	if err := o.write(ctx, owner, record); err != nil {
		log.Error().Err(err).Msg("restore.persist_failed")
		return restoredSkipped, err
	}
	if found {
		return restoredUpdated, nil
	}
	return restoredNew, nil
}

func (o *Orchestrator) lookup(ctx context.Context, txID string) (storage.Purchase, bool, *apierrors.Error) {
	p, err := o.deps.Store.GetPurchase(ctx, txID)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.Purchase{}, false, nil
	default:
		return storage.Purchase{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to read purchase", err)
	}
}

// sameEntitlement reports whether writing next would change nothing a caller
// can observe about the grant.
func sameEntitlement(prev, next storage.Purchase) bool {
	prev = prev.Normalize()
	next = next.Normalize()
	return prev.IsVerified == next.IsVerified &&
		prev.IsSynced == next.IsSynced &&
		prev.ProductID == next.ProductID &&
		slices.Equal(prev.UnlockedFeatures, next.UnlockedFeatures)
}
