// Package authz enforces that a principal can only read or modify their own
// purchase records.
package authz

import (
	"context"
	"strings"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

// Guard answers ownership questions. It holds no mutable state.
type Guard struct {
	principal PrincipalFunc
	metrics   *metrics.Metrics
}

// NewGuard creates a guard. A nil fn falls back to FromContext.
func NewGuard(fn PrincipalFunc, m *metrics.Metrics) *Guard {
	if fn == nil {
		fn = FromContext
	}
	return &Guard{principal: fn, metrics: m}
}

// Principal returns the current principal or NOT_AUTHENTICATED.
func (g *Guard) Principal(ctx context.Context) (Principal, error) {
	p, ok := g.principal(ctx)
	if !ok || strings.TrimSpace(p.ID) == "" {
		return Principal{}, apierrors.New(apierrors.ErrCodeNotAuthenticated, "no authenticated user")
	}
	return p, nil
}

// CanAccessHistory reports whether the principal may read targetUserID's purchases.
func (g *Guard) CanAccessHistory(ctx context.Context, targetUserID string) (bool, error) {
	return g.owns(ctx, "access_history", targetUserID)
}

// CanWritePurchase reports whether the principal may create or update a record
// owned by targetUserID.
func (g *Guard) CanWritePurchase(ctx context.Context, targetUserID string) (bool, error) {
	return g.owns(ctx, "write_purchase", targetUserID)
}

// CanDeletePurchase reports whether the principal may delete txID from
// targetUserID's history.
func (g *Guard) CanDeletePurchase(ctx context.Context, targetUserID, txID string) (bool, error) {
	p, err := g.Principal(ctx)
	if err != nil {
		g.metrics.ObserveAuthzDenial("delete_purchase", "not_authenticated")
		return false, err
	}
	if strings.TrimSpace(targetUserID) == "" || strings.TrimSpace(txID) == "" {
		g.metrics.ObserveAuthzDenial("delete_purchase", "invalid_input")
		return false, apierrors.New(apierrors.ErrCodeInvalidInput, "user id and transaction id are required")
	}
	return g.decide(ctx, "delete_purchase", p, targetUserID), nil
}

func (g *Guard) owns(ctx context.Context, op, targetUserID string) (bool, error) {
	p, err := g.Principal(ctx)
	if err != nil {
		g.metrics.ObserveAuthzDenial(op, "not_authenticated")
		return false, err
	}
	if strings.TrimSpace(targetUserID) == "" {
		g.metrics.ObserveAuthzDenial(op, "invalid_input")
		return false, apierrors.New(apierrors.ErrCodeInvalidInput, "user id is required")
	}
	return g.decide(ctx, op, p, targetUserID), nil
}

// decide compares ids exactly; no case folding or trimming.
func (g *Guard) decide(ctx context.Context, op string, p Principal, targetUserID string) bool {
	if p.ID == targetUserID {
		return true
	}
	g.metrics.ObserveAuthzDenial(op, "not_owner")
	log := logger.FromContext(ctx)
	log.Warn().
		Str("operation", op).
		Str("principal", logger.TruncateID(p.ID)).
		Str("target_user", logger.TruncateID(targetUserID)).
		Msg("authz.denied")
	return false
}
