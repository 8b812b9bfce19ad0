package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a recorded response replayed for a repeated key.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	RecordedAt time.Time
}

// Store keeps recorded responses by scoped key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a bounded LRU Store. Expired entries are dropped when read
// and evicted first when the store is full.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	now     func() time.Time
}

type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

// DefaultMaxEntries bounds NewMemoryStore.
const DefaultMaxEntries = 10000

// NewMemoryStore returns a store holding at most maxSize responses.
// Non-positive sizes use DefaultMaxEntries.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	return &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !s.now().Before(e.expiresAt) {
		s.remove(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.response, true
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.response, e.expiresAt = response, expiresAt
		s.order.MoveToFront(el)
		return nil
	}
	for len(s.entries) >= s.maxSize {
		s.evict()
	}
	s.entries[key] = s.order.PushFront(&entry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.remove(el)
	}
	return nil
}

// Len reports the number of stored responses, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops every entry.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*list.Element)
	s.order.Init()
	s.mu.Unlock()
	return nil
}

// evict drops one expired entry if any, else the least recently used.
// Caller holds mu.
func (s *MemoryStore) evict() {
	now := s.now()
	for el := s.order.Back(); el != nil; el = el.Prev() {
		if !now.Before(el.Value.(*entry).expiresAt) {
			s.remove(el)
			return
		}
	}
	if back := s.order.Back(); back != nil {
		s.remove(back)
	}
}

func (s *MemoryStore) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.entries, el.Value.(*entry).key)
}
