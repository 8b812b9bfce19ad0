package purchase

import (
	"sync"

	"github.com/CedrosPay/entitlements/internal/receipt"
)

// inflight admits one holder per key.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: make(map[string]struct{})}
}

// acquire returns false if key is already held.
func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

// parkedReceipts remembers a paid but not yet persisted receipt per
// (user, product) so the next attempt re-verifies it instead of paying again.
type parkedReceipts struct {
	mu sync.Mutex
	m  map[string]receipt.Raw
}

func newParkedReceipts() *parkedReceipts {
	return &parkedReceipts{m: make(map[string]receipt.Raw)}
}

func (p *parkedReceipts) get(key string) (receipt.Raw, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.m[key]
	return r, ok
}

func (p *parkedReceipts) put(key string, r receipt.Raw) {
	p.mu.Lock()
	p.m[key] = r
	p.mu.Unlock()
}

func (p *parkedReceipts) delete(key string) {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}

func (p *parkedReceipts) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
