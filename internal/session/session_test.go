package session

import (
	"context"
	"testing"
	"time"
)

func TestTransition_LegalPath(t *testing.T) {
	sess := New("sess_000000000000000000000001", "203.0.113.7", "Mozilla/5.0")

	path := []Status{StatusInQueue, StatusAdmitted, StatusPurchasing, StatusCompleted}
	for _, target := range path {
		if err := sess.Transition(target); err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
	}
	if !sess.Status.IsTerminal() {
		t.Error("completed should be terminal")
	}
}

func TestTransition_ChallengeRoundTrip(t *testing.T) {
	sess := New("sess_000000000000000000000002", "203.0.113.7", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusChallenged)
	mustTransition(t, sess, StatusInQueue)
}

func TestTransition_IllegalRejected(t *testing.T) {
	sess := New("sess_000000000000000000000003", "203.0.113.7", "ua")

	// active → admitted skips the queue entirely.
	if err := sess.Transition(StatusAdmitted); err != ErrIllegalTransition {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if sess.Status != StatusActive {
		t.Errorf("status must not change on rejected transition, got %s", sess.Status)
	}
}

func TestTransition_TerminalIsFinal(t *testing.T) {
	sess := New("sess_000000000000000000000004", "203.0.113.7", "ua")
	mustTransition(t, sess, StatusBanned)

	for _, target := range []Status{StatusActive, StatusInQueue, StatusExpired, StatusAdmitted} {
		if err := sess.Transition(target); err != ErrIllegalTransition {
			t.Errorf("banned → %s should be rejected, got %v", target, err)
		}
	}
}

func TestTransition_BanClearsAccess(t *testing.T) {
	sess := New("sess_000000000000000000000005", "203.0.113.7", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusAdmitted)
	sess.GrantAccess("tok", time.Minute)

	mustTransition(t, sess, StatusBanned)
	if sess.AccessToken != "" || sess.AccessTokenExpiresAt != nil {
		t.Error("ban must clear the access token")
	}
	if !sess.IsBanned {
		t.Error("ban must set the banned flag")
	}
}

func TestHasValidAccessToken(t *testing.T) {
	sess := New("sess_000000000000000000000006", "203.0.113.7", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusAdmitted)

	now := time.Now()
	if sess.HasValidAccessToken(now) {
		t.Error("no token yet")
	}

	sess.GrantAccess("tok", time.Minute)
	if !sess.HasValidAccessToken(now) {
		t.Error("fresh token should be valid")
	}

	// Expired-but-unswept tokens are still rejected.
	if sess.HasValidAccessToken(now.Add(2 * time.Minute)) {
		t.Error("expired token must be rejected passively")
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0, LevelLow},
		{29.9, LevelLow},
		{30, LevelMedium},
		{30.8, LevelMedium},
		{59.9, LevelMedium},
		{60, LevelHigh},
		{84.9, LevelHigh},
		{85, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score, 30, 60, 85); got != tt.want {
			t.Errorf("LevelForScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestMemoryStore_ExpireBulk(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := New("sess_00000000000000000000000a", "203.0.113.1", "ua")
	mustTransition(t, a, StatusInQueue)
	mustTransition(t, a, StatusAdmitted)
	a.GrantAccess("tok-a", time.Minute)

	b := New("sess_00000000000000000000000b", "203.0.113.2", "ua")
	mustTransition(t, b, StatusBanned)

	for _, sess := range []*Session{a, b} {
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := store.ExpireBulk(ctx, []string{a.ID, b.ID, "sess_missing"})
	if err != nil {
		t.Fatalf("expire bulk: %v", err)
	}
	// b is terminal and must not be touched; the missing id is skipped.
	if n != 1 {
		t.Errorf("expected 1 expiry, got %d", n)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired || got.AccessToken != "" {
		t.Errorf("expected expired with cleared token, got %s %q", got.Status, got.AccessToken)
	}

	banned, _ := store.Get(ctx, b.ID)
	if banned.Status != StatusBanned {
		t.Errorf("terminal session must not be expired, got %s", banned.Status)
	}
}

func TestMemoryStore_AccessTokenLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := New("sess_00000000000000000000000c", "203.0.113.3", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusAdmitted)
	sess.GrantAccess("tok-c", time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByAccessToken(ctx, "tok-c")
	if err != nil {
		t.Fatalf("lookup by token: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("wrong session: %s", got.ID)
	}

	// Token replaced on update → old token no longer resolves.
	sess.AccessToken = "tok-c2"
	if err := store.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.GetByAccessToken(ctx, "tok-c"); err != ErrSessionNotFound {
		t.Errorf("stale token should not resolve, got %v", err)
	}
}

func TestMemoryStore_TouchLastSeenIsNarrow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := New("sess_000000000000000000000010", "203.0.113.8", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusAdmitted)
	sess.GrantAccess("tok-narrow", time.Minute)
	sess.LastSeenAt = time.Now().Add(-10 * time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now()
	if err := store.TouchLastSeen(ctx, sess.ID, at); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastSeenAt.Equal(at) {
		t.Errorf("lastSeenAt = %v, want %v", got.LastSeenAt, at)
	}
	if got.Status != StatusAdmitted || got.AccessToken != "tok-narrow" {
		t.Errorf("touch must not alter status or token, got %s %q", got.Status, got.AccessToken)
	}

	if err := store.TouchLastSeen(ctx, "sess_missing", at); err != ErrSessionNotFound {
		t.Errorf("missing session: got %v", err)
	}
}

func TestMemoryStore_UpdateRiskIsNarrow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := New("sess_000000000000000000000011", "203.0.113.9", "ua")
	mustTransition(t, sess, StatusInQueue)
	mustTransition(t, sess, StatusAdmitted)
	sess.GrantAccess("tok-risk", time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now()
	if err := store.UpdateRisk(ctx, sess.ID, 42.5, LevelMedium, at); err != nil {
		t.Fatalf("update risk: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RiskScore != 42.5 || got.RiskLevel != LevelMedium {
		t.Errorf("risk = %v/%s, want 42.5/medium", got.RiskScore, got.RiskLevel)
	}
	if got.Status != StatusAdmitted || got.AccessToken != "tok-risk" {
		t.Errorf("risk write must not alter status or token, got %s %q", got.Status, got.AccessToken)
	}

	if err := store.UpdateRisk(ctx, "sess_missing", 1, LevelLow, at); err != ErrSessionNotFound {
		t.Errorf("missing session: got %v", err)
	}
}

func TestMemoryStore_DeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := New("sess_00000000000000000000000d", "203.0.113.4", "ua")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	mustTransition(t, old, StatusExpired)

	fresh := New("sess_00000000000000000000000e", "203.0.113.5", "ua")
	mustTransition(t, fresh, StatusExpired)

	live := New("sess_00000000000000000000000f", "203.0.113.6", "ua")
	live.CreatedAt = time.Now().Add(-48 * time.Hour)

	for _, sess := range []*Session{old, fresh, live} {
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := store.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := store.Get(ctx, old.ID); err != ErrSessionNotFound {
		t.Error("old terminal session should be gone")
	}
	if _, err := store.Get(ctx, live.ID); err != nil {
		t.Error("non-terminal session must survive the purge")
	}
}

func mustTransition(t *testing.T, sess *Session, target Status) {
	t.Helper()
	if err := sess.Transition(target); err != nil {
		t.Fatalf("transition %s → %s: %v", sess.Status, target, err)
	}
}
