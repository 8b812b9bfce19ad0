package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store suitable for tests and single-instance
// development. Records are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]Purchase            // txID -> record
	byUser    map[string]map[string]struct{} // userID -> txIDs
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]Purchase),
		byUser:    make(map[string]map[string]struct{}),
	}
}

// InsertOrUpdatePurchase upserts the normalized record.
func (m *MemoryStore) InsertOrUpdatePurchase(ctx context.Context, p Purchase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.purchases[p.TransactionID]; ok && prev.UserID != p.UserID {
		m.unindex(prev.UserID, prev.TransactionID)
	}
	m.purchases[p.TransactionID] = p
	ids, ok := m.byUser[p.UserID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[p.UserID] = ids
	}
	ids[p.TransactionID] = struct{}{}
	return nil
}

// GetPurchase returns the record or ErrNotFound.
func (m *MemoryStore) GetPurchase(ctx context.Context, txID string) (Purchase, error) {
	if err := ctx.Err(); err != nil {
		return Purchase{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[txID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return clonePurchase(p), nil
}

// GetAllPurchases returns the user's records ordered by PurchasedAt.
func (m *MemoryStore) GetAllPurchases(ctx context.Context, userID string) ([]Purchase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Purchase, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, clonePurchase(m.purchases[id]))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].PurchasedAt.Before(out[j].PurchasedAt)
	})
	return out, nil
}

// DeletePurchase removes the record or returns ErrNotFound.
func (m *MemoryStore) DeletePurchase(ctx context.Context, txID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[txID]
	if !ok {
		return ErrNotFound
	}
	delete(m.purchases, txID)
	m.unindex(p.UserID, txID)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) unindex(userID, txID string) {
	ids := m.byUser[userID]
	delete(ids, txID)
	if len(ids) == 0 {
		delete(m.byUser, userID)
	}
}

func clonePurchase(p Purchase) Purchase {
	p.UnlockedFeatures = append([]string(nil), p.UnlockedFeatures...)
	if p.UnlockedFeatures == nil {
		p.UnlockedFeatures = []string{}
	}
	if p.SyncedAt != nil {
		p.SyncedAt = ptrTime(*p.SyncedAt)
	}
	if p.VerifiedAt != nil {
		p.VerifiedAt = ptrTime(*p.VerifiedAt)
	}
	return p
}
