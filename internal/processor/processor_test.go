package processor

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/captcha"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/session"
)

type fixture struct {
	scheduler *Scheduler
	sessions  session.Store
	queue     *queue.Queue
	bans      *banlist.Service
	captcha   captcha.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions := session.NewMemoryStore()
	q := queue.New(queue.NewMemoryStore(), 25, 3)
	bans := banlist.NewService(banlist.NewMemoryStore())
	captchaStore := captcha.NewMemoryStore()
	evidence := risk.NewMemoryStore()

	cfg := Config{
		BatchSize:       25,
		AdmitInterval:   3 * time.Second,
		TokenTTL:        120 * time.Second,
		VisibleWindow:   100,
		IPBanDuration:   30 * time.Minute,
		RetentionAge:    24 * time.Hour,
		ThresholdMedium: 60,
		ThresholdHigh:   85,
	}
	return &fixture{
		scheduler: New(cfg, sessions, q, bans, captchaStore, evidence, slog.Default()),
		sessions:  sessions,
		queue:     q,
		bans:      bans,
		captcha:   captchaStore,
	}
}

// enqueueSession creates a session in in_queue state and adds it to the queue.
func (f *fixture) enqueueSession(t *testing.T, id, ip string) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess := session.New(id, ip, "Mozilla/5.0 plausible browser agent here")
	if err := sess.Transition(session.StatusInQueue); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, id); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return sess
}

func TestAdmitBatch_ExactBatchSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		f.enqueueSession(t, fmt.Sprintf("sess_%024d", i), "198.51.100.7")
	}

	f.scheduler.admitBatch(ctx)

	length, _ := f.queue.Length(ctx)
	if length != 5 {
		t.Errorf("queue length after tick = %d, want 5", length)
	}

	admitted := 0
	for i := 0; i < 30; i++ {
		sess, err := f.sessions.Get(ctx, fmt.Sprintf("sess_%024d", i))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if sess.Status == session.StatusAdmitted {
			admitted++
			if sess.AccessToken == "" || sess.AccessTokenExpiresAt == nil {
				t.Errorf("admitted session %s lacks an access token", sess.ID)
			}
		}
	}
	if admitted != 25 {
		t.Errorf("admitted = %d, want exactly batchSize 25", admitted)
	}

	// The first 25 joiners are the admitted ones.
	first, _ := f.sessions.Get(ctx, fmt.Sprintf("sess_%024d", 0))
	if first.Status != session.StatusAdmitted {
		t.Error("earliest joiner was not admitted")
	}
	last, _ := f.sessions.Get(ctx, fmt.Sprintf("sess_%024d", 29))
	if last.Status != session.StatusInQueue {
		t.Error("late joiner should still be queued")
	}
}

func TestAdmitBatch_BannedMembersNotBackfilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		sess := f.enqueueSession(t, fmt.Sprintf("sess_%024d", i), "198.51.100.7")
		// Ban five of the batch members.
		if i%5 == 0 {
			if err := sess.Transition(session.StatusBanned); err != nil {
				t.Fatalf("ban: %v", err)
			}
			if err := f.sessions.Update(ctx, sess); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
	}
	// Five more waiting beyond the batch.
	for i := 25; i < 30; i++ {
		f.enqueueSession(t, fmt.Sprintf("sess_%024d", i), "198.51.100.7")
	}

	f.scheduler.admitBatch(ctx)

	admitted := 0
	for i := 0; i < 30; i++ {
		sess, _ := f.sessions.Get(ctx, fmt.Sprintf("sess_%024d", i))
		if sess.Status == session.StatusAdmitted {
			admitted++
		}
	}
	// 25-member batch with 5 banned yields 20 admissions; the members
	// beyond the batch wait for the next tick.
	if admitted != 20 {
		t.Errorf("admitted = %d, want 20 (no backfill)", admitted)
	}

	// Banned members are gone from the queue.
	length, _ := f.queue.Length(ctx)
	if length != 5 {
		t.Errorf("queue length = %d, want 5", length)
	}
}

func TestEnforceChallenges_BanOnHighThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.enqueueSession(t, "sess_aaaaaaaaaaaaaaaaaaaaaaaa", "203.0.113.50")
	sess.RiskScore = 90
	sess.RiskLevel = session.LevelCritical
	if err := f.sessions.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.scheduler.enforceChallenges(ctx)

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusBanned {
		t.Errorf("status = %s, want banned", got.Status)
	}
	if got.BanReason == "" {
		t.Error("ban reason not recorded")
	}

	banned, err := f.bans.IsBanned(ctx, "203.0.113.50")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Error("source IP should be on the ban list")
	}

	if _, err := f.queue.Position(ctx, sess.ID); err != queue.ErrNotInQueue {
		t.Errorf("banned session should be out of the queue, got %v", err)
	}
}

func TestEnforceChallenges_MediumScoreChallenged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.enqueueSession(t, "sess_aaaaaaaaaaaaaaaaaaaaaaaa", "198.51.100.7")
	sess.RiskScore = 70
	sess.RiskLevel = session.LevelHigh
	if err := f.sessions.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.scheduler.enforceChallenges(ctx)

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusChallenged {
		t.Errorf("status = %s, want challenged", got.Status)
	}
	if _, err := f.queue.Position(ctx, sess.ID); err != queue.ErrNotInQueue {
		t.Errorf("challenged session should be out of the queue, got %v", err)
	}
}

func TestEnforceChallenges_PassedCaptchaSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.enqueueSession(t, "sess_aaaaaaaaaaaaaaaaaaaaaaaa", "198.51.100.7")
	sess.RiskScore = 70
	if err := f.sessions.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.captcha.Create(ctx, &captcha.Attempt{
		ID:          "cap_1",
		SessionID:   sess.ID,
		Provider:    "hcaptcha",
		Passed:      true,
		AttemptedAt: time.Now(),
	}); err != nil {
		t.Fatalf("captcha create: %v", err)
	}

	f.scheduler.enforceChallenges(ctx)

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusInQueue {
		t.Errorf("status = %s, want in_queue (captcha passed)", got.Status)
	}
}

func TestCollectSessions_IdleQueueExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.enqueueSession(t, "sess_aaaaaaaaaaaaaaaaaaaaaaaa", "198.51.100.7")
	stale.LastSeenAt = time.Now().Add(-3 * time.Minute)
	if err := f.sessions.Update(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}
	fresh := f.enqueueSession(t, "sess_bbbbbbbbbbbbbbbbbbbbbbbb", "198.51.100.8")

	f.scheduler.collectSessions(ctx)

	got, _ := f.sessions.Get(ctx, stale.ID)
	if got.Status != session.StatusExpired {
		t.Errorf("stale session status = %s, want expired", got.Status)
	}
	if _, err := f.queue.Position(ctx, stale.ID); err != queue.ErrNotInQueue {
		t.Errorf("stale session should be out of the queue, got %v", err)
	}

	kept, _ := f.sessions.Get(ctx, fresh.ID)
	if kept.Status != session.StatusInQueue {
		t.Errorf("fresh session status = %s, want in_queue", kept.Status)
	}
}

func TestExpireTokens_BulkExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.enqueueSession(t, "sess_aaaaaaaaaaaaaaaaaaaaaaaa", "198.51.100.7")
	if err := sess.Transition(session.StatusAdmitted); err != nil {
		t.Fatalf("admit: %v", err)
	}
	sess.GrantAccess("tok", time.Second)
	past := time.Now().Add(-time.Minute)
	sess.AccessTokenExpiresAt = &past
	if err := f.sessions.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.scheduler.expireTokens(ctx)

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.AccessToken != "" {
		t.Error("access token should be cleared")
	}
}

func TestRefreshPositions_VisibleWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.enqueueSession(t, fmt.Sprintf("sess_%024d", i), "198.51.100.7")
	}

	f.scheduler.refreshPositions(ctx)

	for i := 0; i < 10; i++ {
		sess, _ := f.sessions.Get(ctx, fmt.Sprintf("sess_%024d", i))
		if sess.QueuePosition == nil {
			t.Fatalf("session %d has no persisted position", i)
		}
		if *sess.QueuePosition != int64(i+1) {
			t.Errorf("session %d position = %d, want %d", i, *sess.QueuePosition, i+1)
		}
	}
}

func TestStartGuard_SecondStartRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.scheduler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.scheduler.Start(ctx); err != ErrAlreadyRunning {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}

	f.scheduler.Stop()
	if f.scheduler.Running() {
		t.Error("scheduler still running after Stop")
	}

	// Stop clears the guard; a restart must succeed.
	if err := f.scheduler.Start(ctx); err != nil {
		t.Errorf("restart after stop: %v", err)
	}
	f.scheduler.Stop()
}
