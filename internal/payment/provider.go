// Package payment defines the contract the purchase flow uses to charge a user
// and to list their past receipts.
package payment

import (
	"context"
	"errors"

	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/receipt"
)

var (
	// ErrCancelled means the user backed out before paying.
	ErrCancelled = errors.New("payment: cancelled by user")
	// ErrStoreProblem means the platform store reported a failure on its side.
	ErrStoreProblem = errors.New("payment: store problem")
)

// Provider charges users and lists their historical receipts. Errors other
// than ErrCancelled and ErrStoreProblem are treated as transport failures.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	Pay(ctx context.Context, userID string, product catalog.Product) (receipt.Raw, error)
	// ListHistoricalReceipts may return nil entries when the platform response
	// is incomplete; callers must treat those as malformed.
	ListHistoricalReceipts(ctx context.Context, userID string) ([]*receipt.Raw, error)
}
