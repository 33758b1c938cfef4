package limits

import (
	"testing"
	"time"
)

func TestAllowWithinBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5).withClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("message %d rejected within burst budget", i)
		}
	}
	if rl.Allow() {
		t.Fatal("6th message in the same instant allowed")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10).withClock(func() time.Time { return now })

	// Exhaust the bucket.
	for rl.Allow() {
	}
	if got := rl.Remaining(); got > 0.001 {
		t.Fatalf("remaining after exhaust = %f, want ~0", got)
	}

	// One second later the bucket is full again.
	now = now.Add(time.Second)
	if got := rl.Remaining(); got < 9.999 {
		t.Errorf("remaining after 1s = %f, want ~10", got)
	}
	if !rl.Allow() {
		t.Error("message rejected after refill")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1).withClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		rl.Allow()
		if got := rl.Remaining(); got < 0 {
			t.Fatalf("remaining went negative: %f", got)
		}
	}
}

func TestRemainingMonotonicallyRestored(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10).withClock(func() time.Time { return now })

	for rl.Allow() {
	}

	prev := rl.Remaining()
	for i := 0; i < 10; i++ {
		now = now.Add(100 * time.Millisecond)
		cur := rl.Remaining()
		if cur < prev {
			t.Fatalf("remaining decreased without consumption: %f -> %f", prev, cur)
		}
		prev = cur
	}
}

func TestViolationEscalation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1).withClock(func() time.Time { return now })

	rl.Allow() // consume the single token
	for i := 0; i < ViolationStrikes-1; i++ {
		rl.Allow()
		if rl.ShouldDisconnect() {
			t.Fatalf("escalated after only %d strikes", i+1)
		}
	}
	rl.Allow()
	if !rl.ShouldDisconnect() {
		t.Fatal("not escalated at strike threshold")
	}

	// A successful consume clears the streak.
	now = now.Add(2 * time.Second)
	if !rl.Allow() {
		t.Fatal("expected token after refill")
	}
	if rl.ShouldDisconnect() {
		t.Error("streak not reset by successful consume")
	}
}
