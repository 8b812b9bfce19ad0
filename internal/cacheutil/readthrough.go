package cacheutil

import (
	"sync"
	"time"
)

// CachedValue is a value paired with the time it was loaded.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
	Valid     bool
}

// Fresh reports whether the value was loaded less than ttl before now.
func (c CachedValue[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return c.Valid && now.Sub(c.FetchedAt) < ttl
}

// ReadThrough runs checkCache under a read lock and, on a miss, re-checks and
// fetches under the write lock so concurrent callers trigger one fetch.
//
// now is sampled once and passed to both callbacks.
func ReadThrough[T any](
	mu *sync.RWMutex,
	now time.Time,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have filled the cache while we waited.
	if value, ok := checkCache(now); ok {
		return value, nil
	}
	return fetchAndCache(now)
}
