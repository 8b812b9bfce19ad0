// Package history serves purchase history reads and deletions. It is the only
// path through which records are listed or removed, and every call passes the
// authorization guard.
package history

import (
	"context"
	"errors"
	"strings"

	"github.com/CedrosPay/entitlements/internal/authz"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/storage"
)

// Store is the subset of storage.Store history needs.
type Store interface {
	GetPurchase(ctx context.Context, txID string) (storage.Purchase, error)
	GetAllPurchases(ctx context.Context, userID string) ([]storage.Purchase, error)
	DeletePurchase(ctx context.Context, txID string) error
}

// Invalidator drops cached entitlements for a user.
type Invalidator interface {
	Invalidate(userID string)
}

// Service lists and deletes purchase records.
type Service struct {
	store Store
	guard *authz.Guard
	gate  Invalidator
}

// New returns a history service. gate may be nil.
func New(store Store, guard *authz.Guard, gate Invalidator) *Service {
	return &Service{store: store, guard: guard, gate: gate}
}

// List returns userID's purchases in purchase order.
func (s *Service) List(ctx context.Context, userID string) ([]storage.Purchase, error) {
	allowed, err := s.guard.CanAccessHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apierrors.New(apierrors.ErrCodeForbidden, "cannot read another user's purchases")
	}
	purchases, err := s.store.GetAllPurchases(ctx, userID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to load purchases", err)
	}
	if purchases == nil {
		purchases = []storage.Purchase{}
	}
	return purchases, nil
}

// Delete removes txID from userID's history. The stored record must belong
// to userID.
func (s *Service) Delete(ctx context.Context, userID, txID string) error {
	allowed, err := s.guard.CanDeletePurchase(ctx, userID, txID)
	if err != nil {
		return err
	}
	if !allowed {
		return apierrors.New(apierrors.ErrCodeForbidden, "cannot delete another user's purchase")
	}

	p, err := s.store.GetPurchase(ctx, strings.TrimSpace(txID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apierrors.Wrap(apierrors.ErrCodeNotFound, "purchase not found", err)
	case err != nil:
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to load purchase", err)
	}
	if p.UserID != userID {
		// Do not reveal that the transaction exists.
		return apierrors.New(apierrors.ErrCodeNotFound, "purchase not found")
	}

	if err := s.store.DeletePurchase(ctx, p.TransactionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierrors.Wrap(apierrors.ErrCodeNotFound, "purchase not found", err)
		}
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to delete purchase", err)
	}
	if s.gate != nil {
		s.gate.Invalidate(userID)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("user_id", logger.TruncateID(userID)).
		Str("tx_id", logger.TruncateID(p.TransactionID)).
		Msg("history.purchase_deleted")
	return nil
}
