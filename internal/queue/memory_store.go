package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type memberEntry struct {
	member string
	score  float64
	seq    uint64 // insertion order tiebreak for equal millisecond scores
}

type admittedEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-memory score-ordered set for development and tests.
type MemoryStore struct {
	entries  []memberEntry // kept sorted by (score, seq)
	index    map[string]int
	meta     map[string]Meta
	admitted map[string]admittedEntry
	seq      uint64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:    make(map[string]int),
		meta:     make(map[string]Meta),
		admitted: make(map[string]admittedEntry),
	}
}

func (m *MemoryStore) Add(ctx context.Context, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[member]; ok {
		return false, nil
	}

	m.seq++
	entry := memberEntry{member: member, score: score, seq: m.seq}
	pos := sort.Search(len(m.entries), func(i int) bool {
		if m.entries[i].score != entry.score {
			return m.entries[i].score > entry.score
		}
		return m.entries[i].seq > entry.seq
	})
	m.entries = append(m.entries, memberEntry{})
	copy(m.entries[pos+1:], m.entries[pos:])
	m.entries[pos] = entry
	m.reindex(pos)
	return true, nil
}

func (m *MemoryStore) Rank(ctx context.Context, member string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.index[member]
	if !ok {
		return 0, ErrNotInQueue
	}
	return int64(pos), nil
}

func (m *MemoryStore) Range(ctx context.Context, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if start < 0 {
		start = 0
	}
	if stop >= int64(len(m.entries)) {
		stop = int64(len(m.entries)) - 1
	}
	if start > stop {
		return nil, nil
	}

	result := make([]string, 0, stop-start+1)
	for _, entry := range m.entries[start : stop+1] {
		result = append(result, entry.member)
	}
	return result, nil
}

func (m *MemoryStore) Remove(ctx context.Context, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.index[member]
	if !ok {
		return nil
	}
	m.entries = append(m.entries[:pos], m.entries[pos+1:]...)
	delete(m.index, member)
	m.reindex(pos)
	return nil
}

func (m *MemoryStore) Card(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryStore) SetMeta(ctx context.Context, member string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[member] = meta
	return nil
}

func (m *MemoryStore) GetMeta(ctx context.Context, member string) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[member]
	if !ok {
		return Meta{}, ErrNotInQueue
	}
	return meta, nil
}

func (m *MemoryStore) DeleteMeta(ctx context.Context, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, member)
	return nil
}

func (m *MemoryStore) MarkAdmitted(ctx context.Context, member, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitted[member] = admittedEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) AdmittedToken(ctx context.Context, member string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.admitted[member]
	if !ok {
		return "", ErrNotInQueue
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.admitted, member)
		return "", ErrNotInQueue
	}
	return entry.token, nil
}

// reindex rebuilds the member → position index from pos onwards.
// Caller must hold the write lock.
func (m *MemoryStore) reindex(pos int) {
	for i := pos; i < len(m.entries); i++ {
		m.index[m.entries[i].member] = i
	}
}
