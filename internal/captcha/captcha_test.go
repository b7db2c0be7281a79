package captcha

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_HasPassed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	passed, err := store.HasPassed(ctx, "sess_a")
	if err != nil {
		t.Fatalf("has passed: %v", err)
	}
	if passed {
		t.Error("no attempts yet, should not have passed")
	}

	if err := store.Create(ctx, &Attempt{
		ID:          "cap_1",
		SessionID:   "sess_a",
		Provider:    "hcaptcha",
		Passed:      false,
		AttemptedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	passed, _ = store.HasPassed(ctx, "sess_a")
	if passed {
		t.Error("failed attempt must not count as passed")
	}

	if err := store.Create(ctx, &Attempt{
		ID:          "cap_2",
		SessionID:   "sess_a",
		Provider:    "hcaptcha",
		Passed:      true,
		AttemptedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	passed, _ = store.HasPassed(ctx, "sess_a")
	if !passed {
		t.Error("passed attempt should flip HasPassed")
	}

	// Other sessions are unaffected.
	if other, _ := store.HasPassed(ctx, "sess_b"); other {
		t.Error("sess_b never attempted anything")
	}
}

func TestMemoryStore_ListBySession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, passed := range []bool{false, false, true} {
		if err := store.Create(ctx, &Attempt{
			ID:          string(rune('a' + i)),
			SessionID:   "sess_a",
			Passed:      passed,
			AttemptedAt: time.Now(),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	attempts, err := store.ListBySession(ctx, "sess_a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(attempts))
	}

	limited, _ := store.ListBySession(ctx, "sess_a", 2)
	if len(limited) != 2 {
		t.Errorf("limited attempts = %d, want 2", len(limited))
	}
}

func TestMemoryStore_DeleteBefore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.Create(ctx, &Attempt{ID: "old", SessionID: "sess_a", Passed: true, AttemptedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Attempt{ID: "new", SessionID: "sess_a", Passed: false, AttemptedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	remaining, _ := store.ListBySession(ctx, "sess_a", 10)
	if len(remaining) != 1 || remaining[0].ID != "new" {
		t.Errorf("remaining = %v", remaining)
	}

	// Purging the passed attempt also clears the pass flag.
	if passed, _ := store.HasPassed(ctx, "sess_a"); passed {
		t.Error("pass state should be rebuilt after purge")
	}
}
