// Package waitroom is the public surface of the waiting room: joining the
// queue, polling or streaming status, solving challenges and redeeming an
// admission for a purchase.
package waitroom

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/captcha"
	"github.com/waitgate/waitgate/internal/event"
	"github.com/waitgate/waitgate/internal/idgen"
	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/pow"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/session"
)

const banReasonRisk = "risk_threshold_exceeded"

// GateError is a refusal at the public boundary. Code is a stable,
// machine-readable reason string returned to the client.
type GateError struct {
	Code    string
	Message string
}

func (e *GateError) Error() string { return e.Code }

// AsGateError unwraps err into a *GateError if it is one.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Config carries the tunables of the public surface.
type Config struct {
	// PoWDifficulty is the leading-zero-bit requirement for the join gate.
	PoWDifficulty int
	// CaptchaDifficultyBump is added to PoWDifficulty for the interactive
	// challenge served to flagged sessions.
	CaptchaDifficultyBump int
	// IPBanDuration applies when a joining client crosses the critical
	// risk threshold.
	IPBanDuration time.Duration
}

// Service implements the visitor-facing operations.
type Service struct {
	cfg       Config
	sessions  session.Store
	queue     *queue.Queue
	issuer    *pow.Issuer
	engine    *risk.Engine
	bans      *banlist.Service
	captcha   captcha.Store
	inventory *event.Inventory
	logger    *slog.Logger

	now func() time.Time
}

// NewService wires the visitor-facing surface over its collaborators.
func NewService(cfg Config, sessions session.Store, q *queue.Queue, issuer *pow.Issuer, engine *risk.Engine, bans *banlist.Service, captchaStore captcha.Store, inventory *event.Inventory, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		queue:     q,
		issuer:    issuer,
		engine:    engine,
		bans:      bans,
		captcha:   captchaStore,
		inventory: inventory,
		logger:    logger,
		now:       time.Now,
	}
}

// JoinInput is everything the join gate inspects about the caller.
type JoinInput struct {
	IP          string
	UserAgent   string
	Headers     http.Header
	HeaderOrder []string
	Challenge   string
	Nonce       string
}

// JoinResult is returned to a successfully queued visitor.
type JoinResult struct {
	SessionID            string `json:"sessionId"`
	QueueToken           string `json:"queueToken"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// Join runs the admission gate: IP ban check, proof-of-work verification,
// session creation, passive risk scoring and finally enqueue. A critical
// score bans the session and its IP instead of queueing.
func (s *Service) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	banned, err := s.bans.IsBanned(ctx, in.IP)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, &GateError{Code: "ip_banned", Message: "This address is temporarily blocked."}
	}

	if err := s.issuer.Verify(ctx, in.Challenge, in.Nonce, s.cfg.PoWDifficulty); err != nil {
		return nil, &GateError{Code: err.Error(), Message: "Proof of work verification failed."}
	}

	sess := session.New(idgen.WithPrefix("sess_"), in.IP, in.UserAgent)
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	analysis := risk.AnalyzePassive(risk.PassiveInput{
		UserAgent:   in.UserAgent,
		Headers:     in.Headers,
		HeaderOrder: in.HeaderOrder,
		ClientIP:    in.IP,
	})
	score, err := s.engine.RecordEvidence(ctx, sess.ID, risk.LayerPassive, "join", analysis.Score, analysis.Evidence())
	if err != nil {
		return nil, err
	}
	// Reload: the evidence write rewrote the session's score and level.
	sess, err = s.sessions.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	if s.engine.Level(score) == session.LevelCritical {
		if err := s.banSession(ctx, sess); err != nil {
			return nil, err
		}
		s.logger.Warn("join refused at critical risk",
			"sessionId", sess.ID, "ip", in.IP, "score", score)
		return nil, &GateError{Code: banReasonRisk, Message: "Request refused."}
	}

	if err := sess.Transition(session.StatusInQueue); err != nil {
		return nil, err
	}
	ticket, err := s.queue.Enqueue(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	pos := ticket.Position
	sess.QueueToken = ticket.QueueToken
	sess.QueuePosition = &pos
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session joined queue",
		"sessionId", sess.ID, "position", pos, "score", score)
	return &JoinResult{
		SessionID:            sess.ID,
		QueueToken:           ticket.QueueToken,
		Position:             pos,
		EstimatedWaitSeconds: s.queue.EstimatedWaitSeconds(pos),
	}, nil
}

func (s *Service) banSession(ctx context.Context, sess *session.Session) error {
	if err := sess.Transition(session.StatusBanned); err != nil {
		return err
	}
	sess.BanReason = banReasonRisk
	if err := s.sessions.Update(ctx, sess); err != nil {
		return err
	}
	if err := s.bans.Ban(ctx, sess.IPAddress, banReasonRisk, s.cfg.IPBanDuration); err != nil {
		return err
	}
	metrics.BansTotal.WithLabelValues("risk").Inc()
	return nil
}

// StatusResult is the discriminated status payload. State selects which of
// the optional fields are meaningful.
type StatusResult struct {
	State                string `json:"state"`
	Position             int64  `json:"position,omitempty"`
	TotalInQueue         int64  `json:"totalInQueue,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
	AccessToken          string `json:"accessToken,omitempty"`
}

// Status states reported to the client.
const (
	StateQueued            = "queued"
	StateChallengeRequired = "challenge_required"
	StateAdmitted          = "admitted"
	StateRemoved           = "removed"
)

// Status reports where the session stands. Reading status counts as
// activity, so the idle collector sees polling clients as alive.
func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Timestamp only. Writing the whole row back here could race the
	// admit tick and revert the admission the poll is about to observe.
	if err := s.sessions.TouchLastSeen(ctx, sessionID, s.now()); err != nil {
		return nil, err
	}

	switch sess.Status {
	case session.StatusInQueue:
		pos, err := s.queue.Position(ctx, sessionID)
		if err != nil {
			if errors.Is(err, queue.ErrNotInQueue) {
				// Admission raced the poll; report the stored state.
				return &StatusResult{State: StateRemoved}, nil
			}
			return nil, err
		}
		total, err := s.queue.Length(ctx)
		if err != nil {
			return nil, err
		}
		return &StatusResult{
			State:                StateQueued,
			Position:             pos,
			TotalInQueue:         total,
			EstimatedWaitSeconds: s.queue.EstimatedWaitSeconds(pos),
		}, nil

	case session.StatusChallenged:
		return &StatusResult{State: StateChallengeRequired}, nil

	case session.StatusAdmitted, session.StatusPurchasing:
		return &StatusResult{State: StateAdmitted, AccessToken: sess.AccessToken}, nil

	default:
		return &StatusResult{State: StateRemoved}, nil
	}
}

// ChallengeFor issues a proof-of-work challenge. An unknown or absent
// session gets the base difficulty; flagged sessions get a harder target.
func (s *Service) ChallengeFor(ctx context.Context, sessionID string) (pow.Challenge, int, error) {
	difficulty := s.cfg.PoWDifficulty
	if sessionID != "" {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err == nil {
			difficulty += difficultyBump(sess.RiskLevel)
		} else if !errors.Is(err, session.ErrSessionNotFound) {
			return pow.Challenge{}, 0, err
		}
	}
	ch, err := s.issuer.Generate(difficulty)
	return ch, difficulty, err
}

func difficultyBump(level session.RiskLevel) int {
	switch level {
	case session.LevelMedium:
		return 2
	case session.LevelHigh:
		return 4
	case session.LevelCritical:
		return 6
	default:
		return 0
	}
}

// CaptchaResult reports the outcome of a challenge attempt.
type CaptchaResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// VerifyCaptcha checks a solved challenge for the session. The attempt is
// recorded either way. A pass records strongly negative captcha evidence
// and puts a challenged session back in the queue.
func (s *Service) VerifyCaptcha(ctx context.Context, sessionID, challenge, nonce string) (*CaptchaResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	difficulty := s.cfg.PoWDifficulty + s.cfg.CaptchaDifficultyBump
	verifyErr := s.issuer.Verify(ctx, challenge, nonce, difficulty)

	attempt := &captcha.Attempt{
		ID:            idgen.WithPrefix("cap_"),
		SessionID:     sessionID,
		Provider:      "pow",
		ChallengeType: "proof_of_work",
		Passed:        verifyErr == nil,
		AttemptedAt:   s.now(),
	}
	if err := s.captcha.Create(ctx, attempt); err != nil {
		return nil, err
	}

	if verifyErr != nil {
		return &CaptchaResult{Passed: false, Reason: verifyErr.Error()}, nil
	}

	score, err := s.engine.RecordEvidence(ctx, sessionID, risk.LayerCaptcha, "captcha_pass", -30, nil)
	if err != nil {
		return nil, err
	}

	if sess.Status == session.StatusChallenged {
		// Reload: the evidence write above rewrote the session row.
		sess, err = s.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := sess.Transition(session.StatusInQueue); err != nil {
			return nil, err
		}
		ticket, err := s.queue.Enqueue(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		pos := ticket.Position
		sess.QueueToken = ticket.QueueToken
		sess.QueuePosition = &pos
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, err
		}
		s.logger.Info("challenged session re-queued",
			"sessionId", sessionID, "position", pos, "score", score)
	}

	return &CaptchaResult{Passed: true}, nil
}

// PurchaseResult is returned on a completed purchase.
type PurchaseResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
}

// Purchase redeems a one-time access token: the session moves through
// purchasing to completed and one unit of stock is reserved. The token is
// consumed on success.
func (s *Service) Purchase(ctx context.Context, accessToken string) (*PurchaseResult, error) {
	if accessToken == "" {
		return nil, &GateError{Code: "invalid_access_token", Message: "Missing access token."}
	}
	sess, err := s.sessions.GetByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, &GateError{Code: "invalid_access_token", Message: "Unknown access token."}
		}
		return nil, err
	}
	if !sess.HasValidAccessToken(s.now()) {
		return nil, &GateError{Code: "access_token_expired", Message: "Access token has expired."}
	}
	// The admit tick records the minted token in the queue's admission
	// bookkeeping with its own TTL. While that record survives, a token
	// that disagrees with it was not minted by this session's admission.
	recorded, err := s.queue.AdmittedToken(ctx, sess.ID)
	switch {
	case err == nil && recorded != accessToken:
		return nil, &GateError{Code: "invalid_access_token", Message: "Unknown access token."}
	case err != nil && !errors.Is(err, queue.ErrNotInQueue):
		return nil, err
	}

	if sess.Status == session.StatusAdmitted {
		if err := sess.Transition(session.StatusPurchasing); err != nil {
			return nil, err
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, err
		}
	}
	if sess.Status != session.StatusPurchasing {
		return nil, &GateError{Code: "invalid_state", Message: "Session is not eligible to purchase."}
	}

	if err := s.inventory.Reserve(ctx); err != nil {
		switch {
		case errors.Is(err, event.ErrSoldOut):
			return nil, &GateError{Code: "sold_out", Message: "The event is sold out."}
		case errors.Is(err, event.ErrSaleClosed):
			return nil, &GateError{Code: "sale_closed", Message: "The sale is not open."}
		default:
			return nil, err
		}
	}

	if err := sess.Transition(session.StatusCompleted); err != nil {
		return nil, err
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	metrics.PurchasesTotal.Inc()

	cfg := s.inventory.Get(ctx)
	s.logger.Info("purchase completed",
		"sessionId", sess.ID, "event", cfg.Name, "remaining", cfg.Remaining)
	return &PurchaseResult{Status: "completed", SessionID: sess.ID, Event: cfg.Name}, nil
}
