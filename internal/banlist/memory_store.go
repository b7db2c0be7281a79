package banlist

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory ban list for development and tests.
type MemoryStore struct {
	entries map[string]*Entry // by IP
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ban list store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Upsert(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.IPAddress] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, ip string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[ip]
	if !ok {
		return nil, ErrBanNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[ip]; !ok {
		return ErrBanNotFound
	}
	delete(m.entries, ip)
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for ip, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, ip)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for _, entry := range m.entries {
		cp := *entry
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
