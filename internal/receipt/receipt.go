// Package receipt defines purchase receipts and how they are verified.
package receipt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidReceipt is returned (possibly wrapped) when a verifier reached a
// decision and the receipt is not genuine. Any other verifier error means the
// decision could not be made.
var ErrInvalidReceipt = errors.New("receipt: invalid")

// ErrReceiptExpired is returned (possibly wrapped) for a genuine receipt issued
// longer ago than the verifier accepts for new payments. Verify returns the
// decoded receipt alongside it.
var ErrReceiptExpired = errors.New("receipt: expired")

// Raw is an unverified receipt as handed out by a payment provider.
type Raw struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	ProductID     string    `json:"productId"`
	Provider      string    `json:"provider"`
	Data          string    `json:"data"`
	PurchasedAt   time.Time `json:"purchasedAt"`
	PriceCents    int64     `json:"priceCents"`
	Currency      string    `json:"currency"`
}

// Complete reports whether the receipt carries what a verifier needs.
func (r *Raw) Complete() bool {
	return r != nil &&
		strings.TrimSpace(r.TransactionID) != "" &&
		strings.TrimSpace(r.ProductID) != "" &&
		r.Data != ""
}

// Verified is the verifier's view of a genuine receipt.
type Verified struct {
	TransactionID string
	UserID        string
	ProductID     string
	PurchasedAt   time.Time
	PriceCents    int64
	Currency      string
	VerifiedAt    time.Time
}

// Verifier validates receipts.
type Verifier interface {
	Verify(ctx context.Context, r Raw) (Verified, error)
}

// Invalid wraps ErrInvalidReceipt with a reason.
func Invalid(reason string) error {
	return &invalidError{reason: reason}
}

type invalidError struct {
	reason string
}

func (e *invalidError) Error() string { return "receipt: invalid: " + e.reason }

func (e *invalidError) Unwrap() error { return ErrInvalidReceipt }

// Router dispatches verification by Raw.Provider.
type Router struct {
	verifiers map[string]Verifier
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{verifiers: make(map[string]Verifier)}
}

// Register binds provider to v.
func (r *Router) Register(provider string, v Verifier) *Router {
	r.verifiers[provider] = v
	return r
}

// Verify implements Verifier. Receipts from unknown providers are invalid.
func (r *Router) Verify(ctx context.Context, raw Raw) (Verified, error) {
	v, ok := r.verifiers[raw.Provider]
	if !ok {
		return Verified{}, Invalid("unknown provider " + raw.Provider)
	}
	return v.Verify(ctx, raw)
}
