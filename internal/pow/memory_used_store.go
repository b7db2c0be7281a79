package pow

import (
	"context"
	"sync"
	"time"
)

// Compile-time check.
var _ UsedStore = (*MemoryUsedStore)(nil)

// MemoryUsedStore is an in-memory replay guard for development and tests.
type MemoryUsedStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryUsedStore creates the store and starts its cleanup goroutine.
func NewMemoryUsedStore() *MemoryUsedStore {
	s := &MemoryUsedStore{
		entries: make(map[string]time.Time),
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryUsedStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if exp, ok := s.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

// cleanup drops expired keys periodically.
func (s *MemoryUsedStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, exp := range s.entries {
				if exp.Before(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (s *MemoryUsedStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}
