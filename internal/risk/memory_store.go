package risk

import (
	"context"
	"sync"
	"time"
)

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory evidence store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]*EvidenceEntry
}

// NewMemoryStore creates an empty in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string][]*EvidenceEntry),
	}
}

func (s *MemoryStore) Append(ctx context.Context, entry *EvidenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bySession[entry.SessionID] = append(s.bySession[entry.SessionID], copyEntry(entry))
	return nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*EvidenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.bySession[sessionID]
	result := make([]*EvidenceEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, copyEntry(e))
	}
	return result, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for sid, entries := range s.bySession {
		kept := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.bySession, sid)
		} else {
			s.bySession[sid] = kept
		}
	}
	return removed, nil
}

func copyEntry(e *EvidenceEntry) *EvidenceEntry {
	out := *e
	if e.Details != nil {
		out.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	return &out
}
