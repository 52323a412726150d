package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	expireAt int64
}

// MemoryStore keeps everything in a map. Expired entries are dropped when
// they are next touched.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func memoryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[memoryKey(namespace, key)] = memoryEntry{
		value:    append([]byte(nil), value...),
		expireAt: expiry(s.clock(), ttl),
	}
	return nil
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(k string) (memoryEntry, bool) {
	e, ok := s.entries[k]
	if !ok {
		return memoryEntry{}, false
	}
	if expired(e.expireAt, s.clock()) {
		delete(s.entries, k)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(memoryKey(namespace, key))
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) GetAndDelete(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(namespace, key)
	e, ok := s.lookup(k)
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, k)
	return e.value, nil
}

func (s *MemoryStore) Update(_ context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(namespace, key)
	e, ok := s.lookup(k)
	var current []byte
	if ok {
		current = append([]byte(nil), e.value...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	expireAt := e.expireAt
	if !ok {
		expireAt = expiry(s.clock(), ttl)
	}
	s.entries[k] = memoryEntry{value: append([]byte(nil), next...), expireAt: expireAt}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
