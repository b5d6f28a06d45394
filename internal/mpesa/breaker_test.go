package mpesa

import (
	"testing"
	"time"
)

func TestBreaker_OpenHalfOpenClose(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !b.TryAcquire() {
			t.Fatalf("closed breaker refused call %d", i)
		}
		b.OnFailure()
	}
	if b.State() != "open" || b.TryAcquire() {
		t.Fatalf("expected open breaker to refuse, state=%s", b.State())
	}

	now = now.Add(2 * time.Minute)
	if !b.TryAcquire() {
		t.Fatalf("expected trial after cool-down")
	}
	if b.TryAcquire() {
		t.Fatalf("only one trial may be in flight")
	}
	b.OnFailure()
	if b.State() != "open" {
		t.Fatalf("failed trial should reopen, got %s", b.State())
	}

	now = now.Add(2 * time.Minute)
	if !b.TryAcquire() {
		t.Fatalf("expected second trial")
	}
	b.OnSuccess()
	if b.State() != "closed" || !b.TryAcquire() {
		t.Fatalf("successful trial should close, got %s", b.State())
	}
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.TryAcquire()
	b.OnFailure()
	now = now.Add(2 * time.Minute)

	if !b.TryAcquire() {
		t.Fatalf("expected trial after cool-down")
	}
	b.Release()
	if b.State() != "half-open" {
		t.Fatalf("release must not change state, got %s", b.State())
	}
	if !b.TryAcquire() {
		t.Fatalf("released trial slot should be available again")
	}
}
