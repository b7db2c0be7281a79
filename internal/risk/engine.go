package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/waitgate/waitgate/internal/idgen"
	"github.com/waitgate/waitgate/internal/session"
)

// duplicateDeviceScore is recorded when a device hash is seen across more
// than one session. Informational: it flags the overlap without pushing the
// session over a threshold on its own.
const duplicateDeviceScore = 10

// Engine records evidence and keeps each session's aggregate score and
// level current. Aggregation recomputes over all evidence on every record,
// so concurrent submissions may interleave; the processor polls the score
// rather than reacting to individual writes, which makes that safe.
type Engine struct {
	evidence Store
	sessions session.Store
	logger   *slog.Logger

	low    float64
	medium float64
	high   float64

	// deviceHash -> sighting index. In-memory only; an empty index after
	// restart just means the first sighting of each device is unflagged
	// again.
	mu      sync.Mutex
	devices map[string]*deviceIndex
}

// deviceIndex tracks which sessions reported a device hash and which of
// them already received the duplicate-device evidence entry.
type deviceIndex struct {
	sessions map[string]struct{}
	flagged  map[string]struct{}
}

// NewEngine creates an engine with the given ascending level thresholds.
func NewEngine(evidence Store, sessions session.Store, low, medium, high float64, logger *slog.Logger) *Engine {
	return &Engine{
		evidence: evidence,
		sessions: sessions,
		logger:   logger,
		low:      low,
		medium:   medium,
		high:     high,
		devices:  make(map[string]*deviceIndex),
	}
}

// RecordEvidence appends one evidence entry, recomputes the session's
// aggregate over all recorded evidence and persists score, level and
// lastSeenAt. Returns the new aggregate.
//
// Malformed analyzer input degrades to a zero-score contribution rather
// than an error: a broken layer must never abort the caller's request.
func (e *Engine) RecordEvidence(ctx context.Context, sessionID string, layer Layer, category string, score float64, details map[string]string) (float64, error) {
	if !layer.Valid() {
		e.logger.Warn("evidence with unknown layer", "session_id", sessionID, "layer", string(layer))
		return e.currentScore(ctx, sessionID)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		e.logger.Warn("evidence with non-finite score", "session_id", sessionID, "layer", string(layer), "category", category)
		score = 0
	}

	entry := &EvidenceEntry{
		ID:        idgen.WithPrefix("ev_"),
		SessionID: sessionID,
		Layer:     layer,
		Category:  category,
		Score:     score,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := e.evidence.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("appending evidence: %w", err)
	}

	return e.recompute(ctx, sessionID)
}

// NoteDevice registers a device hash sighting for a session and reports
// whether the duplicate-device entry should be recorded. True at most once
// per (hash, session): resubmitting the same fingerprint must not stack
// further entries onto the aggregate.
func (e *Engine) NoteDevice(hash, sessionID string) bool {
	if hash == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.devices[hash]
	if !ok {
		idx = &deviceIndex{
			sessions: make(map[string]struct{}),
			flagged:  make(map[string]struct{}),
		}
		e.devices[hash] = idx
	}
	idx.sessions[sessionID] = struct{}{}
	if len(idx.sessions) < 2 {
		return false
	}
	if _, done := idx.flagged[sessionID]; done {
		return false
	}
	idx.flagged[sessionID] = struct{}{}
	return true
}

// RecordDuplicateDevice appends the informational duplicate-device entry.
func (e *Engine) RecordDuplicateDevice(ctx context.Context, sessionID, hash string) (float64, error) {
	return e.RecordEvidence(ctx, sessionID, LayerActive, "duplicate_device", duplicateDeviceScore, map[string]string{
		"device_hash": hash,
	})
}

// Level maps a score to the discrete level using the engine's thresholds.
func (e *Engine) Level(score float64) session.RiskLevel {
	return session.LevelForScore(score, e.low, e.medium, e.high)
}

// Score returns the stored aggregate for a session.
func (e *Engine) Score(ctx context.Context, sessionID string) (float64, error) {
	return e.currentScore(ctx, sessionID)
}

func (e *Engine) currentScore(ctx context.Context, sessionID string) (float64, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.RiskScore, nil
}

func (e *Engine) recompute(ctx context.Context, sessionID string) (float64, error) {
	entries, err := e.evidence.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("listing evidence: %w", err)
	}
	aggregate := Aggregate(entries)
	level := e.Level(aggregate)

	// Narrow write: a full-row update here could interleave with the
	// admit tick and revert a concurrent admission.
	if err := e.sessions.UpdateRisk(ctx, sessionID, aggregate, level, time.Now()); err != nil {
		return 0, fmt.Errorf("persisting score: %w", err)
	}

	e.logger.Debug("risk score updated",
		"session_id", sessionID,
		"score", aggregate,
		"level", string(level),
		"evidence_count", len(entries))
	return aggregate, nil
}
