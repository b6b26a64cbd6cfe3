package chat

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }

	want := []bool{true, true, false}
	for i, w := range want {
		if got := rl.Allowed("u1"); got != w {
			t.Fatalf("call %d: got %v, want %v", i+1, got, w)
		}
	}

	// A full window after the first send, the quota frees up again.
	current = current.Add(time.Minute)
	if !rl.Allowed("u1") {
		t.Fatal("expected send to be allowed after window elapsed")
	}
}

func TestRateLimiterDenialDoesNotConsumeQuota(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }

	rl.Allowed("u1")
	for i := 0; i < 5; i++ {
		current = current.Add(time.Second)
		if rl.Allowed("u1") {
			t.Fatal("expected denial inside window")
		}
	}

	// Rejected attempts must not have extended the window.
	current = current.Add(time.Minute)
	if !rl.Allowed("u1") {
		t.Fatal("expected allowance once original send expired")
	}
}

func TestRateLimiterUsersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if !rl.Allowed("u1") {
		t.Fatal("first send for u1 should pass")
	}
	if !rl.Allowed("u2") {
		t.Fatal("u2 has no history and must be allowed")
	}
	if rl.Allowed("u1") {
		t.Fatal("u1 is over quota")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }

	rl.Allowed("idle")
	rl.Allowed("active")

	current = current.Add(2 * time.Minute)
	rl.Allowed("active")
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["idle"]; ok {
		t.Fatal("idle user should have been evicted")
	}
	if _, ok := rl.windows["active"]; !ok {
		t.Fatal("active user should have been kept")
	}
}
