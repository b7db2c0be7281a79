package session

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory session store for development and tests.
type MemoryStore struct {
	sessions map[string]*Session // by ID
	byToken  map[string]string   // accessToken → ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sess
	m.sessions[sess.ID] = &cp
	if sess.AccessToken != "" {
		m.byToken[sess.AccessToken] = sess.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) GetByAccessToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if old.AccessToken != "" && old.AccessToken != sess.AccessToken {
		delete(m.byToken, old.AccessToken)
	}
	if sess.AccessToken != "" {
		m.byToken[sess.AccessToken] = sess.ID
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastSeenAt = at
	return nil
}

func (m *MemoryStore) UpdateRisk(ctx context.Context, id string, score float64, level RiskLevel, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.RiskScore = score
	sess.RiskLevel = level
	sess.LastSeenAt = at
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if statusIn(sess.Status, statuses) {
			cp := *sess
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUnseenSince(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if statusIn(sess.Status, statuses) && sess.LastSeenAt.Before(cutoff) {
			cp := *sess
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAccessExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if sess.Status != StatusAdmitted && sess.Status != StatusPurchasing {
			continue
		}
		if sess.AccessTokenExpiresAt != nil && sess.AccessTokenExpiresAt.Before(now) {
			cp := *sess
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ExpireBulk(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for _, id := range ids {
		sess, ok := m.sessions[id]
		if !ok || sess.Status.IsTerminal() {
			continue
		}
		if sess.AccessToken != "" {
			delete(m.byToken, sess.AccessToken)
		}
		sess.Status = StatusExpired
		sess.AccessToken = ""
		sess.AccessTokenExpiresAt = nil
		sess.QueuePosition = nil
		updated++
	}
	return updated, nil
}

func (m *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, sess := range m.sessions {
		if sess.Status.IsTerminal() && sess.CreatedAt.Before(cutoff) {
			if sess.AccessToken != "" {
				delete(m.byToken, sess.AccessToken)
			}
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, sess := range m.sessions {
		counts[sess.Status]++
	}
	return counts, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
