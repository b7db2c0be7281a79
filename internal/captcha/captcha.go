// Package captcha records captcha attempts and answers pass lookups for the
// challenge-enforcement loop. Rendering the captcha widget itself is an
// external concern; only the server-side attempt record lives here.
package captcha

import (
	"context"
	"time"
)

// Attempt is one captcha solution attempt by a session.
type Attempt struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Provider       string    `json:"provider"`
	ChallengeType  string    `json:"challengeType"`
	Passed         bool      `json:"passed"`
	ResponseTimeMs *int64    `json:"responseTimeMs,omitempty"`
	AttemptedAt    time.Time `json:"attemptedAt"`
}

// Store persists captcha attempts.
type Store interface {
	Create(ctx context.Context, attempt *Attempt) error
	// HasPassed reports whether the session has at least one passed attempt.
	HasPassed(ctx context.Context, sessionID string) (bool, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Attempt, error)
	// DeleteBefore removes attempts older than cutoff (retention purge).
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
