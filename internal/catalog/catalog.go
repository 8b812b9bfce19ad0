package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

var (
	// ErrProductNotFound is returned when a product doesn't exist.
	ErrProductNotFound = errors.New("product not found")
	// ErrFeatureNotFound is returned when a feature doesn't exist.
	ErrFeatureNotFound = errors.New("feature not found")
)

// Level is the access tier of a feature.
type Level string

const (
	LevelFree    Level = "free"
	LevelPremium Level = "premium"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l == LevelFree || l == LevelPremium
}

// Feature is a gated capability. Read-only to the engine.
type Feature struct {
	ID                string `json:"id"`
	Level             Level  `json:"level"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	RequiredProductID string `json:"requiredProductId,omitempty"`
}

// Product is a purchasable catalog entry.
type Product struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	PriceCents    int64    `json:"priceCents"`
	Currency      string   `json:"currency"`
	StripePriceID string   `json:"stripePriceId,omitempty"`
	Features      []string `json:"features"`
}

// Repository reads the product catalog.
type Repository interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	// GetProductByStripePriceID returns ErrProductNotFound if no product uses the price.
	GetProductByStripePriceID(ctx context.Context, stripePriceID string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	GetFeature(ctx context.Context, id string) (Feature, error)
	ListFeatures(ctx context.Context) ([]Feature, error)
	Close() error
}

// NewRepository creates a catalog repository based on config with optional caching.
func NewRepository(cfg config.CatalogConfig, storage config.StorageConfig, m *metrics.Metrics) (Repository, error) {
	return NewRepositoryWithDB(cfg, storage, nil, m)
}

// NewRepositoryWithDB creates a catalog repository. When the catalog lives in
// Postgres and sharedDB is non-nil, the shared pool is used instead of opening
// a new one.
func NewRepositoryWithDB(cfg config.CatalogConfig, storage config.StorageConfig, sharedDB *sql.DB, m *metrics.Metrics) (Repository, error) {
	var underlying Repository

	switch strings.ToLower(cfg.Source) {
	case "", "yaml":
		underlying = NewYAMLRepository(cfg)
	case "postgres":
		var (
			repo *PostgresRepository
			err  error
		)
		if sharedDB != nil {
			repo, err = NewPostgresRepositoryWithDB(sharedDB, cfg.PostgresProductsTable, cfg.PostgresFeaturesTable)
		} else {
			if storage.PostgresURL == "" {
				return nil, errors.New("postgres_url required when catalog source is 'postgres'")
			}
			repo, err = NewPostgresRepository(storage.PostgresURL, storage.PostgresPool, cfg.PostgresProductsTable, cfg.PostgresFeaturesTable)
		}
		if err != nil {
			return nil, fmt.Errorf("create postgres catalog: %w", err)
		}
		underlying = repo.WithQueryTimeout(storage.QueryTimeout.Duration).WithMetrics(m)
	default:
		return nil, fmt.Errorf("unknown catalog source: %s", cfg.Source)
	}

	if cfg.CacheTTL.Duration > 0 {
		return NewCachedRepository(underlying, cfg.CacheTTL.Duration), nil
	}
	return underlying, nil
}

// Snapshot is an immutable, fully indexed copy of the catalog. It answers
// lookups without I/O.
type Snapshot struct {
	products          map[string]Product
	features          map[string]Feature
	featuresByProduct map[string][]Feature
}

// Load reads every product and feature from repo into a Snapshot.
func Load(ctx context.Context, repo Repository) (*Snapshot, error) {
	products, err := repo.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	features, err := repo.ListFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	return NewSnapshot(products, features), nil
}

// NewSnapshot indexes products and features. A product unlocks the features
// it lists plus every feature naming it as RequiredProductID.
func NewSnapshot(products []Product, features []Feature) *Snapshot {
	s := &Snapshot{
		products:          make(map[string]Product, len(products)),
		features:          make(map[string]Feature, len(features)),
		featuresByProduct: make(map[string][]Feature, len(products)),
	}
	for _, f := range features {
		s.features[f.ID] = f
	}

	unlocks := make(map[string]map[string]struct{})
	add := func(productID, featureID string) {
		if _, ok := s.features[featureID]; !ok {
			return
		}
		set, ok := unlocks[productID]
		if !ok {
			set = make(map[string]struct{})
			unlocks[productID] = set
		}
		set[featureID] = struct{}{}
	}
	for _, p := range products {
		s.products[p.ID] = p
		for _, fid := range p.Features {
			add(p.ID, fid)
		}
	}
	for _, f := range features {
		if f.RequiredProductID != "" {
			add(f.RequiredProductID, f.ID)
		}
	}

	for productID, set := range unlocks {
		list := make([]Feature, 0, len(set))
		for fid := range set {
			list = append(list, s.features[fid])
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		s.featuresByProduct[productID] = list
	}
	return s
}

// Product looks up a product by ID.
func (s *Snapshot) Product(id string) (Product, bool) {
	if s == nil {
		return Product{}, false
	}
	p, ok := s.products[id]
	return p, ok
}

// Feature looks up a feature by ID.
func (s *Snapshot) Feature(id string) (Feature, bool) {
	if s == nil {
		return Feature{}, false
	}
	f, ok := s.features[id]
	return f, ok
}

// FeaturesForProduct returns the features unlocked by productID, sorted by ID.
// The returned slice is a copy.
func (s *Snapshot) FeaturesForProduct(productID string) []Feature {
	if s == nil {
		return nil
	}
	list := s.featuresByProduct[productID]
	if len(list) == 0 {
		return nil
	}
	out := make([]Feature, len(list))
	copy(out, list)
	return out
}

// FeatureIDs returns the IDs of features, preserving order.
func FeatureIDs(features []Feature) []string {
	if len(features) == 0 {
		return nil
	}
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	return ids
}

// Products returns every product sorted by ID.
func (s *Snapshot) Products() []Product {
	if s == nil {
		return nil
	}
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Features returns every feature sorted by ID.
func (s *Snapshot) Features() []Feature {
	if s == nil {
		return nil
	}
	out := make([]Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
