// Package processor runs the admission control loop: a single scheduler
// owning independently-ticking background tasks that admit queue batches,
// expire tokens, garbage-collect idle sessions, enforce challenges and
// bans, refresh visible positions and purge aged records.
//
// Each task tick runs under a recover guard, so one failing task never
// halts the loop or its siblings.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/captcha"
	"github.com/waitgate/waitgate/internal/idgen"
	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/session"
)

// ErrAlreadyRunning is returned by Start when the scheduler is active.
var ErrAlreadyRunning = errors.New("processor already running")

// Task intervals. AdmitInterval comes from configuration; the rest are
// fixed cadences.
const (
	tokenExpiryInterval  = 10 * time.Second
	sessionGCInterval    = 30 * time.Second
	enforcementInterval  = 10 * time.Second
	positionInterval     = 5 * time.Second
	banExpiryInterval    = 120 * time.Second
	statsInterval        = 15 * time.Second
	purgeInterval        = 10 * time.Minute
	queueIdleCutoff      = 2 * time.Minute
	activeIdleCutoff     = 5 * time.Minute
	sweepBatchLimit      = 500
	enforcementScanLimit = 1000
	accessTokenBytes     = 32
	banReasonRisk        = "risk_threshold_exceeded"
)

// Config carries the tunables the scheduler needs.
type Config struct {
	BatchSize     int
	AdmitInterval time.Duration
	TokenTTL      time.Duration
	VisibleWindow int
	IPBanDuration time.Duration
	RetentionAge  time.Duration

	// Risk thresholds: [medium, high) gets challenged, >= high gets banned.
	ThresholdMedium float64
	ThresholdHigh   float64
}

// Scheduler owns the periodic admission tasks. A start-guard keeps a
// second instance from running; Stop clears it so restart is possible.
type Scheduler struct {
	cfg      Config
	sessions session.Store
	queue    *queue.Queue
	bans     *banlist.Service
	captcha  captcha.Store
	evidence risk.Store
	logger   *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg Config, sessions session.Store, q *queue.Queue, bans *banlist.Service, captchaStore captcha.Store, evidence risk.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		queue:    q,
		bans:     bans,
		captcha:  captchaStore,
		evidence: evidence,
		logger:   logger,
	}
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches every task. A second Start without an intervening Stop
// returns ErrAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(ctx, "admit_batch", s.cfg.AdmitInterval, s.admitBatch)
	s.spawn(ctx, "token_expiry", tokenExpiryInterval, s.expireTokens)
	s.spawn(ctx, "session_gc", sessionGCInterval, s.collectSessions)
	s.spawn(ctx, "challenge_enforcement", enforcementInterval, s.enforceChallenges)
	s.spawn(ctx, "position_refresh", positionInterval, s.refreshPositions)
	s.spawn(ctx, "ban_expiry", banExpiryInterval, s.expireBans)
	s.spawn(ctx, "stats", statsInterval, s.emitStats)
	s.spawn(ctx, "retention_purge", purgeInterval, s.purgeRetention)

	s.logger.Info("admission processor started",
		"batch_size", s.cfg.BatchSize,
		"admit_interval", s.cfg.AdmitInterval.String())
	return nil
}

// Stop cancels every task, waits for in-flight ticks and clears the
// start-guard so the scheduler can be started again.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info("admission processor stopped")
}

func (s *Scheduler) spawn(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeRun(ctx, name, task)
			}
		}
	}()
}

func (s *Scheduler) safeRun(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in processor task", "task", name, "panic", fmt.Sprint(r))
		}
	}()
	task(ctx)
}

// admitBatch promotes the next batch of queue members. Banned members are
// dropped from the queue but not back-filled: a tick with banned members
// simply admits fewer sessions.
func (s *Scheduler) admitBatch(ctx context.Context) {
	members, err := s.queue.PeekBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("peeking admission batch", "error", err)
		return
	}

	admitted := 0
	for _, id := range members {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				_ = s.queue.Remove(ctx, id)
				continue
			}
			s.logger.Warn("loading queued session", "session_id", id, "error", err)
			continue
		}

		if sess.IsBanned || sess.Status != session.StatusInQueue {
			_ = s.queue.Remove(ctx, id)
			continue
		}

		token := idgen.Token(accessTokenBytes)
		if err := sess.Transition(session.StatusAdmitted); err != nil {
			s.logger.Warn("admitting session", "session_id", id, "error", err)
			continue
		}
		sess.GrantAccess(token, s.cfg.TokenTTL)

		if err := s.sessions.Update(ctx, sess); err != nil {
			s.logger.Warn("persisting admitted session", "session_id", id, "error", err)
			continue
		}
		if err := s.queue.MarkAdmitted(ctx, id, token, s.cfg.TokenTTL); err != nil {
			s.logger.Warn("recording admission bookkeeping", "session_id", id, "error", err)
		}
		_ = s.queue.Remove(ctx, id)

		metrics.AdmissionsTotal.Inc()
		admitted++
	}

	if admitted > 0 {
		s.logger.Info("admitted batch", "count", admitted)
	}
}

// expireTokens bulk-expires admitted/purchasing sessions whose access
// token lapsed.
func (s *Scheduler) expireTokens(ctx context.Context) {
	expired, err := s.sessions.ListAccessExpired(ctx, time.Now(), sweepBatchLimit)
	if err != nil {
		s.logger.Warn("listing expired tokens", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	ids := make([]string, 0, len(expired))
	for _, sess := range expired {
		ids = append(ids, sess.ID)
	}
	n, err := s.sessions.ExpireBulk(ctx, ids)
	if err != nil {
		s.logger.Warn("bulk-expiring tokens", "error", err)
		return
	}
	metrics.ExpirationsTotal.WithLabelValues("token").Add(float64(n))
	s.logger.Info("expired access tokens", "count", n)
}

// collectSessions expires sessions that stopped checking in: queued and
// challenged sessions after two idle minutes, merely active ones after
// five.
func (s *Scheduler) collectSessions(ctx context.Context) {
	now := time.Now()

	queued, err := s.sessions.ListUnseenSince(ctx,
		[]session.Status{session.StatusInQueue, session.StatusChallenged},
		now.Add(-queueIdleCutoff), sweepBatchLimit)
	if err != nil {
		s.logger.Warn("listing idle queued sessions", "error", err)
		return
	}
	for _, sess := range queued {
		_ = s.queue.Remove(ctx, sess.ID)
	}

	idle, err := s.sessions.ListUnseenSince(ctx,
		[]session.Status{session.StatusActive},
		now.Add(-activeIdleCutoff), sweepBatchLimit)
	if err != nil {
		s.logger.Warn("listing idle active sessions", "error", err)
		return
	}

	ids := make([]string, 0, len(queued)+len(idle))
	for _, sess := range queued {
		ids = append(ids, sess.ID)
	}
	for _, sess := range idle {
		ids = append(ids, sess.ID)
	}
	if len(ids) == 0 {
		return
	}

	n, err := s.sessions.ExpireBulk(ctx, ids)
	if err != nil {
		s.logger.Warn("bulk-expiring idle sessions", "error", err)
		return
	}
	metrics.ExpirationsTotal.WithLabelValues("gc").Add(float64(n))
	s.logger.Info("garbage-collected sessions", "count", n)
}

// enforceChallenges walks non-terminal sessions: scores at or above the
// high threshold ban the session and its IP; scores in [medium, high)
// without a passed captcha push the session out of the queue into
// challenged.
func (s *Scheduler) enforceChallenges(ctx context.Context) {
	candidates, err := s.sessions.ListByStatus(ctx, []session.Status{
		session.StatusActive,
		session.StatusInQueue,
		session.StatusChallenged,
		session.StatusAdmitted,
		session.StatusPurchasing,
	}, enforcementScanLimit)
	if err != nil {
		s.logger.Warn("listing sessions for enforcement", "error", err)
		return
	}

	for _, sess := range candidates {
		switch {
		case sess.RiskScore >= s.cfg.ThresholdHigh:
			s.banSession(ctx, sess)

		case sess.RiskScore >= s.cfg.ThresholdMedium && sess.Status == session.StatusInQueue:
			passed, err := s.captcha.HasPassed(ctx, sess.ID)
			if err != nil {
				s.logger.Warn("checking captcha state", "session_id", sess.ID, "error", err)
				continue
			}
			if passed {
				continue
			}
			_ = s.queue.Remove(ctx, sess.ID)
			if err := sess.Transition(session.StatusChallenged); err != nil {
				continue
			}
			if err := s.sessions.Update(ctx, sess); err != nil {
				s.logger.Warn("persisting challenged session", "session_id", sess.ID, "error", err)
				continue
			}
			s.logger.Info("session challenged", "session_id", sess.ID, "score", sess.RiskScore)
		}
	}
}

func (s *Scheduler) banSession(ctx context.Context, sess *session.Session) {
	_ = s.queue.Remove(ctx, sess.ID)
	if err := sess.Transition(session.StatusBanned); err != nil {
		return
	}
	sess.BanReason = banReasonRisk
	if err := s.sessions.Update(ctx, sess); err != nil {
		s.logger.Warn("persisting banned session", "session_id", sess.ID, "error", err)
		return
	}
	if err := s.bans.Ban(ctx, sess.IPAddress, banReasonRisk, s.cfg.IPBanDuration); err != nil {
		s.logger.Warn("banning source ip", "ip", sess.IPAddress, "error", err)
	}
	metrics.BansTotal.WithLabelValues("risk").Inc()
	s.logger.Info("session banned",
		"session_id", sess.ID,
		"ip", sess.IPAddress,
		"score", sess.RiskScore)
}

// refreshPositions persists the 1-indexed rank of the first VisibleWindow
// members only; deeper members keep a stale position until they surface.
func (s *Scheduler) refreshPositions(ctx context.Context) {
	members, err := s.queue.PeekBatch(ctx, s.cfg.VisibleWindow)
	if err != nil {
		s.logger.Warn("peeking visible window", "error", err)
		return
	}

	for i, id := range members {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			continue
		}
		pos := int64(i + 1)
		if sess.QueuePosition != nil && *sess.QueuePosition == pos {
			continue
		}
		sess.QueuePosition = &pos
		if err := s.sessions.Update(ctx, sess); err != nil {
			s.logger.Warn("persisting queue position", "session_id", id, "error", err)
		}
	}
}

// expireBans drops ban records past their expiry.
func (s *Scheduler) expireBans(ctx context.Context) {
	n, err := s.bans.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("sweeping expired bans", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired bans removed", "count", n)
	}
}

// emitStats refreshes the snapshot gauges and logs one observability line.
func (s *Scheduler) emitStats(ctx context.Context) {
	depth, err := s.queue.Length(ctx)
	if err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	counts, err := s.sessions.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("counting sessions", "error", err)
		return
	}
	for status, n := range counts {
		metrics.SessionsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	s.logger.Info("waiting room stats",
		"queue_depth", depth,
		"admitted", counts[session.StatusAdmitted],
		"expired", counts[session.StatusExpired],
		"banned", counts[session.StatusBanned],
		"completed", counts[session.StatusCompleted])
}

// purgeRetention deletes terminal sessions and their satellite records
// past the retention cutoff.
func (s *Scheduler) purgeRetention(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetentionAge)

	sessions, err := s.sessions.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("purging sessions", "error", err)
		return
	}
	evidence, err := s.evidence.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("purging evidence", "error", err)
	}
	attempts, err := s.captcha.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("purging captcha attempts", "error", err)
	}

	if sessions+evidence+attempts > 0 {
		s.logger.Info("retention purge complete",
			"sessions", sessions,
			"evidence", evidence,
			"captcha_attempts", attempts)
	}
}
