package catalog

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
)

func testCatalogConfig() config.CatalogConfig {
	return config.CatalogConfig{
		Products: map[string]config.Product{
			"pro": {Name: "Pro", PriceCents: 499, Currency: "usd", StripePriceID: "price_pro", Features: []string{"export", "themes"}},
			"max": {Name: "Max", PriceCents: 999, Currency: "usd"},
		},
		Features: map[string]config.Feature{
			"basic":   {Level: "free", Name: "Basic"},
			"export":  {Level: "premium", Name: "Export"},
			"themes":  {Level: "PREMIUM", Name: "Themes"},
			"reports": {Level: "premium", Name: "Reports", RequiredProductID: "max"},
			"sync":    {Level: "bogus", Name: "Sync", RequiredProductID: "pro"},
		},
	}
}

func TestYAMLRepository(t *testing.T) {
	repo := NewYAMLRepository(testCatalogConfig())
	ctx := context.Background()

	p, err := repo.GetProduct(ctx, "pro")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.ID != "pro" || p.PriceCents != 499 {
		t.Fatalf("unexpected product %+v", p)
	}

	if _, err := repo.GetProduct(ctx, "missing"); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	byPrice, err := repo.GetProductByStripePriceID(ctx, "price_pro")
	if err != nil || byPrice.ID != "pro" {
		t.Fatalf("GetProductByStripePriceID = %+v, %v", byPrice, err)
	}
	if _, err := repo.GetProductByStripePriceID(ctx, ""); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("empty price id should not match, got %v", err)
	}

	f, err := repo.GetFeature(ctx, "themes")
	if err != nil || f.Level != LevelPremium {
		t.Fatalf("themes = %+v, %v", f, err)
	}
	if f, _ := repo.GetFeature(ctx, "sync"); f.Level != LevelPremium {
		t.Fatalf("unknown level should fall back to premium, got %q", f.Level)
	}
	if _, err := repo.GetFeature(ctx, "nope"); !errors.Is(err, ErrFeatureNotFound) {
		t.Fatalf("expected ErrFeatureNotFound, got %v", err)
	}

	products, _ := repo.ListProducts(ctx)
	if len(products) != 2 || products[0].ID != "max" {
		t.Fatalf("ListProducts should be sorted, got %+v", products)
	}

	// Mutating a returned product must not leak into the repository.
	p.Features[0] = "hacked"
	again, _ := repo.GetProduct(ctx, "pro")
	if again.Features[0] != "export" {
		t.Fatal("GetProduct returned shared slice")
	}
}

func TestSnapshotFeaturesForProduct(t *testing.T) {
	snap, err := Load(context.Background(), NewYAMLRepository(testCatalogConfig()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		product string
		want    []string
	}{
		{"pro", []string{"export", "sync", "themes"}},
		{"max", []string{"reports"}},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.product, func(t *testing.T) {
			got := FeatureIDs(snap.FeaturesForProduct(tt.product))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FeaturesForProduct(%q) = %v, want %v", tt.product, got, tt.want)
			}
		})
	}
}

func TestSnapshotIgnoresUnknownFeatureReferences(t *testing.T) {
	snap := NewSnapshot(
		[]Product{{ID: "p1", Features: []string{"ghost", "real"}}},
		[]Feature{{ID: "real", Level: LevelPremium}},
	)
	if got := FeatureIDs(snap.FeaturesForProduct("p1")); !reflect.DeepEqual(got, []string{"real"}) {
		t.Fatalf("got %v", got)
	}
}

func TestNilSnapshot(t *testing.T) {
	var snap *Snapshot
	if _, ok := snap.Feature("x"); ok {
		t.Fatal("nil snapshot must not find features")
	}
	if snap.FeaturesForProduct("x") != nil {
		t.Fatal("nil snapshot must return nil features")
	}
}

type countingRepository struct {
	*YAMLRepository
	lists atomic.Int32
	fail  bool
}

func (c *countingRepository) ListProducts(ctx context.Context) ([]Product, error) {
	c.lists.Add(1)
	if c.fail {
		return nil, errors.New("db down")
	}
	return c.YAMLRepository.ListProducts(ctx)
}

func TestCachedRepositoryReloadsAfterTTL(t *testing.T) {
	underlying := &countingRepository{YAMLRepository: NewYAMLRepository(testCatalogConfig())}
	cached := NewCachedRepository(underlying, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cached.GetFeature(ctx, "export"); err != nil {
			t.Fatalf("GetFeature: %v", err)
		}
	}
	if got := underlying.lists.Load(); got != 1 {
		t.Fatalf("expected 1 load, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cached.GetProduct(ctx, "pro"); err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if got := underlying.lists.Load(); got != 2 {
		t.Fatalf("expected reload after ttl, got %d loads", got)
	}

	cached.InvalidateCache()
	if _, err := cached.ListFeatures(ctx); err != nil {
		t.Fatalf("ListFeatures: %v", err)
	}
	if got := underlying.lists.Load(); got != 3 {
		t.Fatalf("expected reload after invalidate, got %d loads", got)
	}

	if _, err := cached.GetFeature(ctx, "nope"); !errors.Is(err, ErrFeatureNotFound) {
		t.Fatalf("expected ErrFeatureNotFound, got %v", err)
	}
}

func TestCachedRepositoryPropagatesLoadError(t *testing.T) {
	underlying := &countingRepository{YAMLRepository: NewYAMLRepository(testCatalogConfig()), fail: true}
	cached := NewCachedRepository(underlying, time.Minute)
	if _, err := cached.GetProduct(context.Background(), "pro"); err == nil {
		t.Fatal("expected error from failing underlying repository")
	}
}

func TestNewRepositoryWithDB(t *testing.T) {
	cfg := testCatalogConfig()
	repo, err := NewRepositoryWithDB(cfg, config.StorageConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("yaml source: %v", err)
	}
	if _, ok := repo.(*YAMLRepository); !ok {
		t.Fatalf("expected *YAMLRepository without cache ttl, got %T", repo)
	}

	cfg.CacheTTL = config.Duration{Duration: time.Minute}
	repo, _ = NewRepositoryWithDB(cfg, config.StorageConfig{}, nil, nil)
	if _, ok := repo.(*CachedRepository); !ok {
		t.Fatalf("expected *CachedRepository, got %T", repo)
	}

	cfg.Source = "postgres"
	if _, err := NewRepositoryWithDB(cfg, config.StorageConfig{}, nil, nil); err == nil {
		t.Fatal("postgres source without url must fail")
	}

	cfg.Source = "ldap"
	if _, err := NewRepositoryWithDB(cfg, config.StorageConfig{}, nil, nil); err == nil {
		t.Fatal("unknown source must fail")
	}
}
