package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) (*Issuer, *MemoryUsedStore) {
	t.Helper()
	store := NewMemoryUsedStore()
	t.Cleanup(store.Stop)
	return New("test-secret", 5*time.Minute, store), store
}

// solve brute-forces a client nonce satisfying the difficulty.
func solve(t *testing.T, challenge string, difficulty int) string {
	t.Helper()
	for i := 0; i < 1<<22; i++ {
		nonce := strconv.Itoa(i)
		if candidateBits(challenge, nonce) >= difficulty {
			return nonce
		}
	}
	t.Fatal("no solution found")
	return ""
}

func candidateBits(challenge, nonce string) int {
	sum := sha256.Sum256([]byte(challenge + nonce))
	return leadingZeroBits(sum[:])
}

func TestVerify_Success(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	ch, err := issuer.Generate(8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := strings.Count(ch.Challenge, "."); got != 2 {
		t.Fatalf("challenge has %d separators, want 2", got)
	}

	nonce := solve(t, ch.Challenge, 8)
	if err := issuer.Verify(context.Background(), ch.Challenge, nonce, 8); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerify_ReplaySingleSuccess(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	ch, err := issuer.Generate(4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nonce := solve(t, ch.Challenge, 4)

	if err := issuer.Verify(context.Background(), ch.Challenge, nonce, 4); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	// Same challenge, same correct nonce: must fail.
	err = issuer.Verify(context.Background(), ch.Challenge, nonce, 4)
	if !errors.Is(err, ErrChallengeAlreadyUsed) {
		t.Errorf("second verify = %v, want ErrChallengeAlreadyUsed", err)
	}
}

func TestVerify_ConcurrentReplayExactlyOneSuccess(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	ch, err := issuer.Generate(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := issuer.Verify(context.Background(), ch.Challenge, "x", 0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	ch, err := issuer.Generate(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parts := strings.Split(ch.Challenge, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("0", len(parts[2]))
	err = issuer.Verify(context.Background(), tampered, "x", 0)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered verify = %v, want ErrInvalidSignature", err)
	}
}

func TestVerify_MalformedChallenge(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	for _, challenge := range []string{"", "no-separators", "a.b", "a.b.c.d"} {
		err := issuer.Verify(context.Background(), challenge, "x", 0)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("verify(%q) = %v, want ErrInvalidSignature", challenge, err)
		}
	}
}

func TestVerify_Expired(t *testing.T) {
	store := NewMemoryUsedStore()
	t.Cleanup(store.Stop)
	issuer := New("test-secret", 5*time.Minute, store)

	ch, err := issuer.Generate(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	issuer.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	err = issuer.Verify(context.Background(), ch.Challenge, "x", 0)
	if !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("expired verify = %v, want ErrChallengeExpired", err)
	}
}

func TestVerify_InsufficientDifficulty(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	ch, err := issuer.Generate(256)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// No realistic nonce satisfies 256 leading zero bits.
	err = issuer.Verify(context.Background(), ch.Challenge, "guess", 256)
	if !errors.Is(err, ErrInsufficientDifficulty) {
		t.Errorf("verify = %v, want ErrInsufficientDifficulty", err)
	}
}

func TestVerify_WrongSecretRejected(t *testing.T) {
	issuerA, _ := newTestIssuer(t)
	storeB := NewMemoryUsedStore()
	t.Cleanup(storeB.Stop)
	issuerB := New("other-secret", 5*time.Minute, storeB)

	ch, err := issuerA.Generate(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	err = issuerB.Verify(context.Background(), ch.Challenge, "x", 0)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("cross-secret verify = %v, want ErrInvalidSignature", err)
	}
}

func TestLeadingZeroBits(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte{0xFF}, 0},
		{[]byte{0x80}, 0},
		{[]byte{0x7F}, 1},
		{[]byte{0x01}, 7},
		{[]byte{0x00, 0xFF}, 8},
		{[]byte{0x00, 0x0F}, 12},
		{[]byte{0x00, 0x00, 0x00}, 24},
	}
	for _, tt := range tests {
		if got := leadingZeroBits(tt.in); got != tt.want {
			t.Errorf("leadingZeroBits(%x) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemoryUsedStore_SetIfAbsentExpiry(t *testing.T) {
	store := NewMemoryUsedStore()
	t.Cleanup(store.Stop)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first set = %v, %v", ok, err)
	}
	ok, _ = store.SetIfAbsent(ctx, "k", 30*time.Millisecond)
	if ok {
		t.Error("second set within ttl should report absent=false")
	}

	time.Sleep(40 * time.Millisecond)
	ok, _ = store.SetIfAbsent(ctx, "k", 30*time.Millisecond)
	if !ok {
		t.Error("set after expiry should succeed")
	}
}
