package testutil

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process stand-in for the Redis backed idempotency
// store. TTLs are recorded but never expire on their own; call Expire.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration

	// Fail* inject errors per operation.
	FailGet   error
	FailSetNX error
	FailSet   error
	FailDel   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGet != nil {
		return "", false, s.FailGet
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGet != nil {
		return nil, s.FailGet
	}
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSetNX != nil {
		return false, s.FailSetNX
	}
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = value
	s.ttls[key] = ttl
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSet != nil {
		return s.FailSet
	}
	s.data[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDel != nil {
		return s.FailDel
	}
	for _, k := range keys {
		delete(s.data, k)
		delete(s.ttls, k)
	}
	return nil
}

// Has reports whether key is present.
func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// TTL returns the ttl key was last written with.
func (s *MemoryStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// Expire drops keys, simulating their ttl running out.
func (s *MemoryStore) Expire(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
		delete(s.ttls, k)
	}
}

// Keys returns a snapshot of stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}
