// Package risk maintains one 0-100 bot-risk score per session, fused from
// independently-submitted evidence.
//
// Evidence arrives in four layers: passive (request headers and IP), active
// (browser fingerprint), behavior (mouse/keyboard telemetry) and captcha
// (challenge outcomes). Each layer carries a fixed weight and the aggregate
// is a weighted mean over all evidence ever recorded for the session, so a
// captcha pass with a negative score pulls the aggregate down.
package risk

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Layer identifies the evidence category a signal belongs to.
type Layer string

const (
	LayerPassive  Layer = "passive"
	LayerActive   Layer = "active"
	LayerBehavior Layer = "behavior"
	LayerCaptcha  Layer = "captcha"
)

// Aggregation weights. Cheaper layers count for less.
const (
	weightPassive  = 1.0
	weightActive   = 1.5
	weightBehavior = 2.0
	weightCaptcha  = 2.5
)

var layerWeights = map[Layer]float64{
	LayerPassive:  weightPassive,
	LayerActive:   weightActive,
	LayerBehavior: weightBehavior,
	LayerCaptcha:  weightCaptcha,
}

// Valid reports whether l is a known evidence layer.
func (l Layer) Valid() bool {
	_, ok := layerWeights[l]
	return ok
}

// ErrUnknownLayer rejects evidence for a layer the engine does not weight.
var ErrUnknownLayer = errors.New("unknown evidence layer")

// EvidenceEntry is one recorded signal, owned by a session. Entries are
// append-only; nothing mutates or deletes them except the retention purge.
type EvidenceEntry struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Layer     Layer             `json:"layer"`
	Category  string            `json:"category"`
	Score     float64           `json:"score"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists evidence entries.
type Store interface {
	Append(ctx context.Context, entry *EvidenceEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]*EvidenceEntry, error)
	// DeleteBefore removes entries recorded before cutoff. Only the
	// retention purge calls this; evidence is append-only otherwise.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Aggregate computes the weighted mean over all evidence, clamped to
// [0, 100]. Entries with an unknown layer contribute nothing.
func Aggregate(entries []*EvidenceEntry) float64 {
	var sum, weights float64
	for _, e := range entries {
		w, ok := layerWeights[e.Layer]
		if !ok {
			continue
		}
		sum += e.Score * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return clamp(sum/weights, 0, 100)
}

// Analysis is the output of a single analyzer pass: a 0-100 sub-score plus
// the flags and details explaining it.
type Analysis struct {
	Score   float64
	Flags   []string
	Details map[string]string
}

// Evidence folds the flags into the details payload so a single map can be
// persisted alongside the sub-score.
func (a Analysis) Evidence() map[string]string {
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}
	if len(a.Flags) > 0 {
		details["flags"] = strings.Join(a.Flags, ",")
	}
	return details
}

func (a *Analysis) add(points float64, flag string) {
	a.Score += points
	a.Flags = append(a.Flags, flag)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
