// Package queue implements the strict join-order admission queue.
//
// Members are scored by enqueue time in milliseconds, so rank order is join
// order. The backing store is a score-ordered set plus an auxiliary map of
// per-member metadata (queue token, joined-at); both Redis and in-memory
// implementations are provided.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/waitgate/waitgate/internal/idgen"
)

var ErrNotInQueue = errors.New("session is not in the queue")

// Meta is the auxiliary per-member metadata kept alongside the ordered set.
type Meta struct {
	QueueToken string
	JoinedAt   time.Time
}

// Ticket is returned on enqueue.
type Ticket struct {
	QueueToken string    `json:"queueToken"`
	Position   int64     `json:"position"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Store is the score-ordered structure backing the queue.
type Store interface {
	// Add inserts the member with the given score if absent, reporting
	// whether a new entry was created. Existing members keep their score.
	Add(ctx context.Context, member string, score float64) (bool, error)
	// Rank returns the 0-based rank of the member, or ErrNotInQueue.
	Rank(ctx context.Context, member string) (int64, error)
	// Range returns members by rank, start..stop inclusive, lowest first.
	Range(ctx context.Context, start, stop int64) ([]string, error)
	// Remove deletes the member; removing an absent member is not an error.
	Remove(ctx context.Context, member string) error
	// Card returns the number of members.
	Card(ctx context.Context) (int64, error)

	SetMeta(ctx context.Context, member string, meta Meta) error
	GetMeta(ctx context.Context, member string) (Meta, error)
	DeleteMeta(ctx context.Context, member string) error

	// MarkAdmitted records admission bookkeeping for the member with a
	// per-entry TTL matching the access token lifetime.
	MarkAdmitted(ctx context.Context, member, token string, ttl time.Duration) error
	// AdmittedToken returns the bookkeeping token, or ErrNotInQueue if the
	// entry is absent or its TTL has lapsed.
	AdmittedToken(ctx context.Context, member string) (string, error)
}

// Queue is the admission queue service.
type Queue struct {
	store           Store
	batchSize       int
	intervalSeconds int
}

// New creates a queue over the given store. batchSize and intervalSeconds
// parameterize the wait estimate.
func New(store Store, batchSize, intervalSeconds int) *Queue {
	return &Queue{store: store, batchSize: batchSize, intervalSeconds: intervalSeconds}
}

// Enqueue inserts the session at the tail and returns its ticket. Enqueuing
// an already-queued session returns the existing ticket without creating a
// duplicate entry.
func (q *Queue) Enqueue(ctx context.Context, sessionID string) (*Ticket, error) {
	now := time.Now()
	added, err := q.store.Add(ctx, sessionID, float64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}

	if added {
		meta := Meta{QueueToken: idgen.Token(24), JoinedAt: now}
		if err := q.store.SetMeta(ctx, sessionID, meta); err != nil {
			// Roll the member back so a metadata failure doesn't leave a
			// tokenless entry in the queue.
			_ = q.store.Remove(ctx, sessionID)
			return nil, err
		}
	}

	meta, err := q.store.GetMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rank, err := q.store.Rank(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Ticket{QueueToken: meta.QueueToken, Position: rank + 1, JoinedAt: meta.JoinedAt}, nil
}

// Position returns the 1-indexed rank of the session, or ErrNotInQueue.
func (q *Queue) Position(ctx context.Context, sessionID string) (int64, error) {
	rank, err := q.store.Rank(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

// Length returns the current queue depth.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.store.Card(ctx)
}

// PeekBatch returns up to n earliest-joined session ids without removing them.
func (q *Queue) PeekBatch(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		return nil, nil
	}
	return q.store.Range(ctx, 0, int64(n)-1)
}

// Remove deletes the session from the queue and its metadata. Idempotent:
// removing an absent session is a no-op.
func (q *Queue) Remove(ctx context.Context, sessionID string) error {
	if err := q.store.Remove(ctx, sessionID); err != nil {
		return err
	}
	return q.store.DeleteMeta(ctx, sessionID)
}

// MarkAdmitted records admission bookkeeping for the session.
func (q *Queue) MarkAdmitted(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	return q.store.MarkAdmitted(ctx, sessionID, token, ttl)
}

// AdmittedToken returns the token recorded at admission, or ErrNotInQueue
// once the bookkeeping entry has lapsed.
func (q *Queue) AdmittedToken(ctx context.Context, sessionID string) (string, error) {
	return q.store.AdmittedToken(ctx, sessionID)
}

// EstimatedWaitSeconds derives the wait estimate for a 1-indexed position:
// ceil(position / batchSize) * intervalSeconds.
func (q *Queue) EstimatedWaitSeconds(position int64) int {
	if position < 1 {
		return 0
	}
	batches := math.Ceil(float64(position) / float64(q.batchSize))
	return int(batches) * q.intervalSeconds
}
