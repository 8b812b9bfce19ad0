package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/CedrosPay/entitlements/internal/config"
)

// YAMLRepository implements Repository using the catalog section of the config.
type YAMLRepository struct {
	products map[string]Product
	features map[string]Feature
}

// NewYAMLRepository copies the configured catalog into an in-memory repository.
func NewYAMLRepository(cfg config.CatalogConfig) *YAMLRepository {
	r := &YAMLRepository{
		products: make(map[string]Product, len(cfg.Products)),
		features: make(map[string]Feature, len(cfg.Features)),
	}
	for id, p := range cfg.Products {
		r.products[id] = Product{
			ID:            id,
			Name:          p.Name,
			PriceCents:    p.PriceCents,
			Currency:      p.Currency,
			StripePriceID: p.StripePriceID,
			Features:      append([]string(nil), p.Features...),
		}
	}
	for id, f := range cfg.Features {
		level := Level(strings.ToLower(f.Level))
		if !level.Valid() {
			level = LevelPremium
		}
		r.features[id] = Feature{
			ID:                id,
			Level:             level,
			Name:              f.Name,
			Description:       f.Description,
			RequiredProductID: f.RequiredProductID,
		}
	}
	return r
}

// GetProduct retrieves a product by ID.
func (r *YAMLRepository) GetProduct(_ context.Context, id string) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return cloneProduct(p), nil
}

// GetProductByStripePriceID scans products for a matching Stripe price.
func (r *YAMLRepository) GetProductByStripePriceID(_ context.Context, stripePriceID string) (Product, error) {
	if stripePriceID == "" {
		return Product{}, ErrProductNotFound
	}
	for _, p := range r.products {
		if p.StripePriceID == stripePriceID {
			return cloneProduct(p), nil
		}
	}
	return Product{}, ErrProductNotFound
}

// ListProducts returns all products sorted by ID.
func (r *YAMLRepository) ListProducts(_ context.Context) ([]Product, error) {
	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetFeature retrieves a feature by ID.
func (r *YAMLRepository) GetFeature(_ context.Context, id string) (Feature, error) {
	f, ok := r.features[id]
	if !ok {
		return Feature{}, ErrFeatureNotFound
	}
	return f, nil
}

// ListFeatures returns all features sorted by ID.
func (r *YAMLRepository) ListFeatures(_ context.Context) ([]Feature, error) {
	out := make([]Feature, 0, len(r.features))
	for _, f := range r.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op for the in-memory repository.
func (r *YAMLRepository) Close() error {
	return nil
}

func cloneProduct(p Product) Product {
	p.Features = append([]string(nil), p.Features...)
	return p
}
