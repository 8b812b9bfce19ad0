package circuitbreaker

import (
	"context"
	"errors"

	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/receipt"
)

// Verifier guards a receipt.Verifier with the receipt_verifier breaker.
type Verifier struct {
	next receipt.Verifier
	mgr  *Manager
}

// WrapVerifier returns next guarded by mgr.
func WrapVerifier(next receipt.Verifier, mgr *Manager) *Verifier {
	return &Verifier{next: next, mgr: mgr}
}

// Verify implements receipt.Verifier.
func (v *Verifier) Verify(ctx context.Context, r receipt.Raw) (receipt.Verified, error) {
	out, err := v.mgr.Execute(ServiceReceiptVerifier, func() (interface{}, error) {
		return v.next.Verify(ctx, r)
	})
	// Expired receipts carry their claims alongside the error.
	verified, _ := out.(receipt.Verified)
	return verified, err
}

// Provider guards a payment.Provider with the payment_provider breaker.
type Provider struct {
	next payment.Provider
	mgr  *Manager
}

// WrapProvider returns next guarded by mgr.
func WrapProvider(next payment.Provider, mgr *Manager) *Provider {
	return &Provider{next: next, mgr: mgr}
}

// Name implements payment.Provider.
func (p *Provider) Name() string { return p.next.Name() }

// Pay implements payment.Provider.
func (p *Provider) Pay(ctx context.Context, userID string, product catalog.Product) (receipt.Raw, error) {
	out, err := p.mgr.Execute(ServicePaymentProvider, func() (interface{}, error) {
		return p.next.Pay(ctx, userID, product)
	})
	if err != nil {
		return receipt.Raw{}, err
	}
	return out.(receipt.Raw), nil
}

// ListHistoricalReceipts implements payment.Provider.
func (p *Provider) ListHistoricalReceipts(ctx context.Context, userID string) ([]*receipt.Raw, error) {
	out, err := p.mgr.Execute(ServicePaymentProvider, func() (interface{}, error) {
		return p.next.ListHistoricalReceipts(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*receipt.Raw), nil
}

// Healthy reports errors that mean the dependency answered correctly:
// a rejected or expired receipt, or a user-cancelled payment.
func Healthy(err error) bool {
	return err == nil ||
		errors.Is(err, receipt.ErrInvalidReceipt) ||
		errors.Is(err, receipt.ErrReceiptExpired) ||
		errors.Is(err, payment.ErrCancelled)
}
