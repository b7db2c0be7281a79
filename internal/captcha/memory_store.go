package captcha

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory captcha attempt store for development and tests.
type MemoryStore struct {
	attempts  []*Attempt
	bySession map[string]bool // sessionID → has a passed attempt
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory captcha attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySession: make(map[string]bool)}
}

func (m *MemoryStore) Create(ctx context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	m.attempts = append(m.attempts, &cp)
	if attempt.Passed {
		m.bySession[attempt.SessionID] = true
	}
	return nil
}

func (m *MemoryStore) HasPassed(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySession[sessionID], nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Attempt
	for _, attempt := range m.attempts {
		if attempt.SessionID == sessionID {
			cp := *attempt
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Attempt
	var removed int64
	for _, attempt := range m.attempts {
		if attempt.AttemptedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, attempt)
	}
	m.attempts = kept

	// Rebuild the pass index from surviving attempts.
	m.bySession = make(map[string]bool)
	for _, attempt := range kept {
		if attempt.Passed {
			m.bySession[attempt.SessionID] = true
		}
	}
	return removed, nil
}
