// Package pow issues and verifies HMAC-signed proof-of-work challenges.
// A challenge is the string "nonce.timestampMillis.signature"; the client
// must find a nonce whose SHA-256 over the full challenge plus that nonce
// carries enough leading zero bits.
package pow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/waitgate/waitgate/internal/metrics"
)

// Verification failures. The error text doubles as the stable reason code
// surfaced to clients.
var (
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrChallengeExpired       = errors.New("challenge_expired")
	ErrChallengeAlreadyUsed   = errors.New("challenge_already_used")
	ErrInsufficientDifficulty = errors.New("insufficient_difficulty")
)

// UsedStore marks challenges as consumed. SetIfAbsent must be atomic: of two
// concurrent calls with the same key, exactly one returns true.
type UsedStore interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Challenge is what clients receive to solve.
type Challenge struct {
	Challenge  string    `json:"challenge"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Issuer generates and verifies proof-of-work challenges.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	used   UsedStore

	// now is swappable in tests
	now func() time.Time
}

// New creates an issuer signing with secret. Challenges expire after ttl.
func New(secret string, ttl time.Duration, used UsedStore) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		used:   used,
		now:    time.Now,
	}
}

// Generate builds a fresh signed challenge at the given difficulty.
func (i *Issuer) Generate(difficulty int) (Challenge, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	ts := strconv.FormatInt(i.now().UnixMilli(), 10)

	return Challenge{
		Challenge:  nonce + "." + ts + "." + i.sign(nonce, ts),
		Difficulty: difficulty,
		ExpiresAt:  i.now().Add(i.ttl),
	}, nil
}

// Verify checks a solved challenge. Steps, in order: constant-time signature
// check, TTL check, atomic mark-as-used, then the hash difficulty itself.
// A challenge verifies successfully at most once.
func (i *Issuer) Verify(ctx context.Context, challenge, clientNonce string, difficulty int) error {
	if err := i.verify(ctx, challenge, clientNonce, difficulty); err != nil {
		metrics.PoWVerificationsTotal.WithLabelValues(err.Error()).Inc()
		return err
	}
	metrics.PoWVerificationsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (i *Issuer) verify(ctx context.Context, challenge, clientNonce string, difficulty int) error {
	parts := strings.Split(challenge, ".")
	if len(parts) != 3 {
		return ErrInvalidSignature
	}
	nonce, ts, sig := parts[0], parts[1], parts[2]

	if !hmac.Equal([]byte(sig), []byte(i.sign(nonce, ts))) {
		return ErrInvalidSignature
	}

	issuedMilli, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if i.now().Sub(time.UnixMilli(issuedMilli)) > i.ttl {
		return ErrChallengeExpired
	}

	fresh, err := i.used.SetIfAbsent(ctx, "pow:"+sig, i.ttl)
	if err != nil {
		return fmt.Errorf("marking challenge used: %w", err)
	}
	if !fresh {
		return ErrChallengeAlreadyUsed
	}

	sum := sha256.Sum256([]byte(challenge + clientNonce))
	if leadingZeroBits(sum[:]) < difficulty {
		return ErrInsufficientDifficulty
	}
	return nil
}

func (i *Issuer) sign(nonce, ts string) string {
	h := hmac.New(sha256.New, i.secret)
	h.Write([]byte(nonce + "." + ts))
	return hex.EncodeToString(h.Sum(nil))
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, c := range b {
		if c == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(c)
		break
	}
	return n
}
