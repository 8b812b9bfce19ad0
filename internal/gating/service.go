// Package gating answers whether the current principal may use a feature.
// Every undecidable case resolves to "deny".
package gating

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/catalog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/storage"
)

// PurchaseReader is the slice of the purchase store the service reads.
type PurchaseReader interface {
	GetAllPurchases(ctx context.Context, userID string) ([]storage.Purchase, error)
}

// grantSet is an immutable view of what one user has unlocked.
type grantSet struct {
	features map[string]struct{}
	products map[string]struct{}
}

func newGrantSet(purchases []storage.Purchase) *grantSet {
	g := &grantSet{
		features: make(map[string]struct{}),
		products: make(map[string]struct{}),
	}
	for _, p := range purchases {
		g.add(p)
	}
	return g
}

func (g *grantSet) add(p storage.Purchase) {
	if !p.IsVerified {
		return
	}
	g.products[p.ProductID] = struct{}{}
	for _, f := range p.UnlockedFeatures {
		g.features[f] = struct{}{}
	}
}

func (g *grantSet) with(p storage.Purchase) *grantSet {
	next := &grantSet{
		features: make(map[string]struct{}, len(g.features)+len(p.UnlockedFeatures)),
		products: make(map[string]struct{}, len(g.products)+1),
	}
	for k := range g.features {
		next.features[k] = struct{}{}
	}
	for k := range g.products {
		next.products[k] = struct{}{}
	}
	next.add(p)
	return next
}

// entry is one user's slot value. gen advances on every Invalidate so a
// refresh that read the store before an invalidation cannot install its
// stale result afterwards.
type entry struct {
	gen    uint64
	grants *grantSet
}

func (g *grantSet) allows(f catalog.Feature) bool {
	if g == nil {
		return false
	}
	if _, ok := g.features[f.ID]; ok {
		return true
	}
	if f.RequiredProductID == "" {
		return false
	}
	_, ok := g.products[f.RequiredProductID]
	return ok
}

// Service is the feature gating service. Construct once and share.
type Service struct {
	repo    catalog.Repository
	store   PurchaseReader
	guard   *authz.Guard
	metrics *metrics.Metrics

	catalog atomic.Pointer[catalog.Snapshot]
	grants  sync.Map // userID -> *atomic.Pointer[entry]
}

// New loads the catalog and returns a ready service.
func New(ctx context.Context, repo catalog.Repository, store PurchaseReader, guard *authz.Guard, m *metrics.Metrics) (*Service, error) {
	if repo == nil || store == nil || guard == nil {
		return nil, errors.New("gating: catalog, store and guard are required")
	}
	s := &Service{repo: repo, store: store, guard: guard, metrics: m}
	if err := s.ReloadCatalog(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ReloadCatalog swaps in a fresh catalog snapshot.
func (s *Service) ReloadCatalog(ctx context.Context) error {
	snap, err := catalog.Load(ctx, s.repo)
	if err != nil {
		return fmt.Errorf("gating: load catalog: %w", err)
	}
	s.catalog.Store(snap)
	return nil
}

// GetFeatureDefinition returns the catalog entry for featureID.
func (s *Service) GetFeatureDefinition(_ context.Context, featureID string) (catalog.Feature, error) {
	if strings.TrimSpace(featureID) == "" {
		return catalog.Feature{}, apierrors.New(apierrors.ErrCodeInvalidInput, "feature id is required")
	}
	f, ok := s.catalog.Load().Feature(featureID)
	if !ok {
		return catalog.Feature{}, apierrors.Wrap(apierrors.ErrCodeNotFound, "feature not found", catalog.ErrFeatureNotFound)
	}
	return f, nil
}

// GetUnlockedFeaturesByProduct returns the features a purchase of productID unlocks.
func (s *Service) GetUnlockedFeaturesByProduct(_ context.Context, productID string) []catalog.Feature {
	if strings.TrimSpace(productID) == "" {
		return nil
	}
	return s.catalog.Load().FeaturesForProduct(productID)
}

// Product returns the catalog entry for productID.
func (s *Service) Product(productID string) (catalog.Product, bool) {
	return s.catalog.Load().Product(productID)
}

// CanAccessSync decides from in-memory state only. Users whose entitlements
// were never loaded are denied premium features until CanAccess or Grant runs.
func (s *Service) CanAccessSync(ctx context.Context, featureID string) (granted bool) {
	defer s.recoverDecision(ctx, "sync", featureID, &granted)

	f, ok := s.lookup(featureID)
	if !ok {
		return false
	}
	if f.Level == catalog.LevelFree {
		return true
	}
	p, err := s.guard.Principal(ctx)
	if err != nil {
		return false
	}
	return s.loadGrants(p.ID).allows(f)
}

// CanAccess refreshes the principal's entitlements from the store, then decides.
func (s *Service) CanAccess(ctx context.Context, featureID string) (granted bool) {
	defer s.recoverDecision(ctx, "fresh", featureID, &granted)

	f, ok := s.lookup(featureID)
	if !ok {
		return false
	}
	if f.Level == catalog.LevelFree {
		return true
	}
	grants, err := s.refresh(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("feature_id", featureID).Msg("gating.refresh_failed")
		return false
	}
	return grants.allows(f)
}

// Refresh reloads the principal's entitlements from the store.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.refresh(ctx)
	return err
}

func (s *Service) refresh(ctx context.Context) (*grantSet, error) {
	p, err := s.guard.Principal(ctx)
	if err != nil {
		return nil, err
	}
	allowed, err := s.guard.CanAccessHistory(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apierrors.New(apierrors.ErrCodeForbidden, "history not accessible")
	}
	slot := s.slot(p.ID)
	start := slot.Load()
	purchases, err := s.store.GetAllPurchases(ctx, p.ID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load purchases", err)
	}
	grants := newGrantSet(purchases)
	if !slot.CompareAndSwap(start, &entry{gen: start.generation(), grants: grants}) {
		log := logger.FromContext(ctx)
		log.Debug().Str("user_id", logger.TruncateID(p.ID)).Msg("gating.refresh_superseded")
	}
	return grants, nil
}

// Grant adds a verified purchase to userID's in-memory entitlements.
// Unverified purchases are ignored.
func (s *Service) Grant(userID string, p storage.Purchase) {
	if userID == "" || !p.IsVerified {
		return
	}
	slot := s.slot(userID)
	for {
		cur := slot.Load()
		base := cur.set()
		if base == nil {
			base = newGrantSet(nil)
		}
		if slot.CompareAndSwap(cur, &entry{gen: cur.generation(), grants: base.with(p)}) {
			return
		}
	}
}

// Invalidate drops userID's in-memory entitlements, e.g. after a record was
// deleted or downgraded. Refreshes already reading the store are discarded.
func (s *Service) Invalidate(userID string) {
	v, ok := s.grants.Load(userID)
	if !ok {
		return
	}
	slot := v.(*atomic.Pointer[entry])
	for {
		cur := slot.Load()
		if slot.CompareAndSwap(cur, &entry{gen: cur.generation() + 1}) {
			return
		}
	}
}

func (e *entry) generation() uint64 {
	if e == nil {
		return 0
	}
	return e.gen
}

func (e *entry) set() *grantSet {
	if e == nil {
		return nil
	}
	return e.grants
}

func (s *Service) lookup(featureID string) (catalog.Feature, bool) {
	if strings.TrimSpace(featureID) == "" {
		return catalog.Feature{}, false
	}
	return s.catalog.Load().Feature(featureID)
}

func (s *Service) loadGrants(userID string) *grantSet {
	v, ok := s.grants.Load(userID)
	if !ok {
		return nil
	}
	return v.(*atomic.Pointer[entry]).Load().set()
}

func (s *Service) slot(userID string) *atomic.Pointer[entry] {
	if v, ok := s.grants.Load(userID); ok {
		return v.(*atomic.Pointer[entry])
	}
	v, _ := s.grants.LoadOrStore(userID, new(atomic.Pointer[entry]))
	return v.(*atomic.Pointer[entry])
}

// recoverDecision converts a panic into a denial and records the decision.
func (s *Service) recoverDecision(ctx context.Context, mode, featureID string, granted *bool) {
	if r := recover(); r != nil {
		*granted = false
		log := logger.FromContext(ctx)
		log.Error().
			Interface("panic", r).
			Str("feature_id", featureID).
			Str("mode", mode).
			Msg("gating.panic_recovered")
	}
	s.metrics.ObserveFeatureCheck(mode, *granted)
}
