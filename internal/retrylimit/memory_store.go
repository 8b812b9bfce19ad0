package retrylimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type memoryShard struct {
	mu      sync.Mutex
	records map[string]Record
}

// MemoryStore keeps records in process memory, split across shards so that
// updates to one transaction only contend with keys hashed to the same shard.
type MemoryStore struct {
	shards [shardCount]*memoryShard
}

// NewMemoryStore creates an empty sharded store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]Record)}
	}
	return s
}

func (s *MemoryStore) shard(txID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(txID))
	return s.shards[h.Sum32()%shardCount]
}

// Load returns the live record for txID, deleting it when expired.
func (s *MemoryStore) Load(_ context.Context, txID string, now time.Time) (Record, bool, error) {
	sh := s.shard(txID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[txID]
	if !ok {
		return Record{}, false, nil
	}
	if now.After(rec.ResetAt) {
		delete(sh.records, txID)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Increment adds one failure, starting a new window when none is live.
func (s *MemoryStore) Increment(_ context.Context, txID string, now time.Time, window time.Duration) (Record, error) {
	sh := s.shard(txID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[txID]
	if !ok || now.After(rec.ResetAt) {
		rec = Record{ResetAt: now.Add(window)}
	}
	rec.FailureCount++
	rec.LastFailureAt = now
	sh.records[txID] = rec
	return rec, nil
}

// Delete removes the record and reports whether one existed.
func (s *MemoryStore) Delete(_ context.Context, txID string) (bool, error) {
	sh := s.shard(txID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.records[txID]
	delete(sh.records, txID)
	return ok, nil
}

// Range visits live records shard by shard. fn runs without any shard lock held.
func (s *MemoryStore) Range(_ context.Context, now time.Time, fn func(string, Record) bool) error {
	type entry struct {
		id  string
		rec Record
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		live := make([]entry, 0, len(sh.records))
		for id, rec := range sh.records {
			if now.After(rec.ResetAt) {
				delete(sh.records, id)
				continue
			}
			live = append(live, entry{id, rec})
		}
		sh.mu.Unlock()

		for _, e := range live {
			if !fn(e.id, e.rec) {
				return nil
			}
		}
	}
	return nil
}

// Len returns the number of stored records, including expired ones not yet purged.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
