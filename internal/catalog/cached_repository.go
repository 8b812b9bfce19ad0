package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/CedrosPay/entitlements/internal/cacheutil"
)

// CachedRepository serves every lookup from a snapshot of the underlying
// repository that is reloaded once it is older than the TTL.
type CachedRepository struct {
	underlying Repository
	cacheTTL   time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	snapshot cacheutil.CachedValue[*Snapshot]
}

// NewCachedRepository wraps a repository with a caching layer. A zero TTL
// makes it a pass-through.
func NewCachedRepository(underlying Repository, cacheTTL time.Duration) *CachedRepository {
	return &CachedRepository{underlying: underlying, cacheTTL: cacheTTL, now: time.Now}
}

func (r *CachedRepository) load(ctx context.Context) (*Snapshot, error) {
	return cacheutil.ReadThrough(&r.mu, r.now(),
		func(now time.Time) (*Snapshot, bool) {
			if r.snapshot.Fresh(now, r.cacheTTL) {
				return r.snapshot.Value, true
			}
			return nil, false
		},
		func(now time.Time) (*Snapshot, error) {
			snap, err := Load(ctx, r.underlying)
			if err != nil {
				return nil, err
			}
			r.snapshot = cacheutil.CachedValue[*Snapshot]{Value: snap, FetchedAt: now, Valid: true}
			return snap, nil
		},
	)
}

// GetProduct retrieves a product by ID with caching.
func (r *CachedRepository) GetProduct(ctx context.Context, id string) (Product, error) {
	if r.cacheTTL == 0 {
		return r.underlying.GetProduct(ctx, id)
	}
	snap, err := r.load(ctx)
	if err != nil {
		return Product{}, err
	}
	p, ok := snap.Product(id)
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return cloneProduct(p), nil
}

// GetProductByStripePriceID retrieves a product by its Stripe Price ID with caching.
func (r *CachedRepository) GetProductByStripePriceID(ctx context.Context, stripePriceID string) (Product, error) {
	if r.cacheTTL == 0 || stripePriceID == "" {
		return r.underlying.GetProductByStripePriceID(ctx, stripePriceID)
	}
	snap, err := r.load(ctx)
	if err != nil {
		return Product{}, err
	}
	for _, p := range snap.products {
		if p.StripePriceID == stripePriceID {
			return cloneProduct(p), nil
		}
	}
	return Product{}, ErrProductNotFound
}

// ListProducts returns all products with caching.
func (r *CachedRepository) ListProducts(ctx context.Context) ([]Product, error) {
	if r.cacheTTL == 0 {
		return r.underlying.ListProducts(ctx)
	}
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Products(), nil
}

// GetFeature retrieves a feature by ID with caching.
func (r *CachedRepository) GetFeature(ctx context.Context, id string) (Feature, error) {
	if r.cacheTTL == 0 {
		return r.underlying.GetFeature(ctx, id)
	}
	snap, err := r.load(ctx)
	if err != nil {
		return Feature{}, err
	}
	f, ok := snap.Feature(id)
	if !ok {
		return Feature{}, ErrFeatureNotFound
	}
	return f, nil
}

// ListFeatures returns all features with caching.
func (r *CachedRepository) ListFeatures(ctx context.Context) ([]Feature, error) {
	if r.cacheTTL == 0 {
		return r.underlying.ListFeatures(ctx)
	}
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Features(), nil
}

// InvalidateCache drops the cached snapshot so the next read reloads.
func (r *CachedRepository) InvalidateCache() {
	r.mu.Lock()
	r.snapshot = cacheutil.CachedValue[*Snapshot]{}
	r.mu.Unlock()
}

// Close closes the underlying repository.
func (r *CachedRepository) Close() error {
	return r.underlying.Close()
}
