// Package sandbox is a development payment provider that issues
// ed25519-signed receipts without charging anyone.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/receipt"
)

// ProviderName tags receipts issued by this provider.
const ProviderName = "sandbox"

// Provider keeps every issued receipt in memory so restores can find them.
type Provider struct {
	key solana.PrivateKey
	now func() time.Time

	mu      sync.RWMutex
	history map[string][]receipt.Raw // userID -> receipts
}

// New creates a provider. An empty key generates a throwaway signer.
func New(base58Key string) (*Provider, error) {
	var (
		key solana.PrivateKey
		err error
	)
	if base58Key == "" {
		key, err = solana.NewRandomPrivateKey()
	} else {
		key, err = solana.PrivateKeyFromBase58(base58Key)
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox signer key: %w", err)
	}
	return &Provider{key: key, now: time.Now, history: make(map[string][]receipt.Raw)}, nil
}

// PublicKey returns the signer receipts must be verified against.
func (p *Provider) PublicKey() solana.PublicKey {
	return p.key.PublicKey()
}

// Name implements payment.Provider.
func (p *Provider) Name() string { return ProviderName }

// Pay issues a signed receipt for product.
func (p *Provider) Pay(ctx context.Context, userID string, product catalog.Product) (receipt.Raw, error) {
	if err := ctx.Err(); err != nil {
		return receipt.Raw{}, err
	}
	now := p.now().UTC().Truncate(time.Second)
	txID := "sbx_" + uuid.NewString()
	data, err := receipt.Sign(p.key, receipt.Claims{
		TransactionID: txID,
		UserID:        userID,
		ProductID:     product.ID,
		PriceCents:    product.PriceCents,
		Currency:      product.Currency,
		IssuedAt:      now.Unix(),
	})
	if err != nil {
		return receipt.Raw{}, err
	}
	raw := receipt.Raw{
		TransactionID: txID,
		UserID:        userID,
		ProductID:     product.ID,
		Provider:      ProviderName,
		Data:          data,
		PurchasedAt:   now,
		PriceCents:    product.PriceCents,
		Currency:      product.Currency,
	}

	p.mu.Lock()
	p.history[userID] = append(p.history[userID], raw)
	p.mu.Unlock()
	return raw, nil
}

// ListHistoricalReceipts returns the user's receipts, oldest first.
func (p *Provider) ListHistoricalReceipts(ctx context.Context, userID string) ([]*receipt.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.history[userID]
	out := make([]*receipt.Raw, 0, len(list))
	for i := range list {
		r := list[i]
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out, nil
}
