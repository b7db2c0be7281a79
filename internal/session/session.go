// Package session defines the waiting-room session model, its lifecycle
// state machine, and the persistence interface used by the rest of the
// system.
//
// A session is created on first contact, scored by the risk engine,
// queued for admission, and eventually admitted, completed, expired, or
// banned. All status changes go through Transition so illegal moves are
// rejected centrally instead of being scattered across callers.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrIllegalTransition = errors.New("illegal session state transition")
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusInQueue    Status = "in_queue"
	StatusChallenged Status = "challenged"
	StatusAdmitted   Status = "admitted"
	StatusPurchasing Status = "purchasing"
	StatusCompleted  Status = "completed"
	StatusBanned     Status = "banned"
	StatusExpired    Status = "expired"
)

// legalTransitions enumerates the permitted moves of the state machine.
// Any non-terminal state may move to banned or expired.
var legalTransitions = map[Status][]Status{
	StatusActive:     {StatusInQueue, StatusBanned, StatusExpired},
	StatusInQueue:    {StatusChallenged, StatusAdmitted, StatusBanned, StatusExpired},
	StatusChallenged: {StatusInQueue, StatusBanned, StatusExpired},
	StatusAdmitted:   {StatusPurchasing, StatusBanned, StatusExpired},
	StatusPurchasing: {StatusCompleted, StatusBanned, StatusExpired},
	StatusCompleted:  {},
	StatusBanned:     {},
	StatusExpired:    {},
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusBanned || s == StatusExpired
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, t := range legalTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// RiskLevel is the discrete classification derived from the risk score.
type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// LevelForScore maps a 0-100 score to a level given ascending thresholds.
func LevelForScore(score, low, medium, high float64) RiskLevel {
	switch {
	case score < low:
		return LevelLow
	case score < medium:
		return LevelMedium
	case score < high:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Session is one visitor's waiting-room session.
type Session struct {
	ID                   string     `json:"id"`
	Status               Status     `json:"status"`
	IPAddress            string     `json:"ipAddress"`
	UserAgent            string     `json:"userAgent"`
	RiskScore            float64    `json:"riskScore"`
	RiskLevel            RiskLevel  `json:"riskLevel"`
	QueueToken           string     `json:"queueToken,omitempty"`
	QueuePosition        *int64     `json:"queuePosition,omitempty"`
	AccessToken          string     `json:"accessToken,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
	IsBanned             bool       `json:"isBanned"`
	BanReason            string     `json:"banReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastSeenAt           time.Time  `json:"lastSeenAt"`
}

// New creates a fresh active session for the given client.
func New(id, ipAddress, userAgent string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Status:     StatusActive,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		RiskLevel:  LevelLow,
		CreatedAt:  now,
		LastSeenAt: now,
	}
}

// Transition applies a named state change, rejecting illegal moves.
// The caller is responsible for persisting the session afterwards.
func (s *Session) Transition(target Status) error {
	if !s.Status.CanTransition(target) {
		return ErrIllegalTransition
	}
	s.Status = target
	switch target {
	case StatusBanned:
		s.IsBanned = true
		s.clearAccess()
		s.QueuePosition = nil
	case StatusExpired:
		s.clearAccess()
		s.QueuePosition = nil
	case StatusCompleted:
		s.clearAccess()
	case StatusChallenged:
		s.QueuePosition = nil
	}
	return nil
}

// GrantAccess sets a one-time access token with the given TTL.
// Only meaningful on admission; Transition(StatusAdmitted) must accompany it.
func (s *Session) GrantAccess(token string, ttl time.Duration) {
	expires := time.Now().Add(ttl)
	s.AccessToken = token
	s.AccessTokenExpiresAt = &expires
	s.QueuePosition = nil
}

// HasValidAccessToken reports whether the session holds an unexpired access
// token. Expiry is checked passively here even before the sweep task runs.
func (s *Session) HasValidAccessToken(now time.Time) bool {
	if s.AccessToken == "" || s.AccessTokenExpiresAt == nil {
		return false
	}
	if s.Status != StatusAdmitted && s.Status != StatusPurchasing {
		return false
	}
	return now.Before(*s.AccessTokenExpiresAt)
}

func (s *Session) clearAccess() {
	s.AccessToken = ""
	s.AccessTokenExpiresAt = nil
}

// Store persists session records.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByAccessToken(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, sess *Session) error

	// TouchLastSeen updates only the last-seen timestamp. Pollers must use
	// this instead of Update: a full-row write built from an earlier Get
	// can race the admit tick and revert a fresh admission.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	// UpdateRisk persists only the risk score, level and last-seen
	// timestamp, leaving status and admission fields untouched.
	UpdateRisk(ctx context.Context, id string, score float64, level RiskLevel, at time.Time) error

	// ListByStatus returns up to limit sessions in any of the given statuses.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Session, error)
	// ListUnseenSince returns sessions in the given statuses whose
	// lastSeenAt is before cutoff.
	ListUnseenSince(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Session, error)
	// ListAccessExpired returns admitted/purchasing sessions whose access
	// token expired before now.
	ListAccessExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)
	// ExpireBulk transitions the given sessions to expired and clears their
	// access tokens in a single operation. Sessions already terminal are
	// left untouched.
	ExpireBulk(ctx context.Context, ids []string) (int64, error)
	// DeleteTerminalBefore removes terminal sessions created before cutoff,
	// returning the number deleted. Used by the retention purge.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// CountByStatus returns the session count per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
