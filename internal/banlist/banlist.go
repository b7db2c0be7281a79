// Package banlist tracks banned source IPs with expiring entries.
package banlist

import (
	"context"
	"errors"
	"time"
)

var ErrBanNotFound = errors.New("ban entry not found")

// Entry is one banned IP address.
type Entry struct {
	IPAddress string    `json:"ipAddress"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the ban has lapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store persists ban entries, keyed by IP.
type Store interface {
	// Upsert inserts or replaces the entry for its IP.
	Upsert(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, ip string) (*Entry, error)
	Delete(ctx context.Context, ip string) error
	// DeleteExpired removes entries past their expiry, returning the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context, limit int) ([]*Entry, error)
}

// Service answers ban checks with lazy expiry of stale entries.
type Service struct {
	store Store
}

// NewService creates a ban list service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Ban upserts a ban for the IP lasting the given duration.
func (s *Service) Ban(ctx context.Context, ip, reason string, duration time.Duration) error {
	now := time.Now()
	return s.store.Upsert(ctx, &Entry{
		IPAddress: ip,
		Reason:    reason,
		ExpiresAt: now.Add(duration),
		CreatedAt: now,
	})
}

// Unban removes the ban for the IP. Removing an absent entry is not an error.
func (s *Service) Unban(ctx context.Context, ip string) error {
	err := s.store.Delete(ctx, ip)
	if errors.Is(err, ErrBanNotFound) {
		return nil
	}
	return err
}

// IsBanned reports whether the IP is currently banned. A lapsed entry is
// deleted on read so the next check doesn't pay for it again.
func (s *Service) IsBanned(ctx context.Context, ip string) (bool, error) {
	entry, err := s.store.Get(ctx, ip)
	if errors.Is(err, ErrBanNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Expired(time.Now()) {
		_ = s.store.Delete(ctx, ip) // benign if another reader got there first
		return false, nil
	}
	return true, nil
}

// SweepExpired removes all lapsed entries. Called by the background ban
// expiry task.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, time.Now())
}

// List returns current entries for the admin surface.
func (s *Service) List(ctx context.Context, limit int) ([]*Entry, error) {
	return s.store.List(ctx, limit)
}
