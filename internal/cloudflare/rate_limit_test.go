package cloudflare

import (
	"testing"
	"time"
)

func TestOpLimiterQuota(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newOpLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, ok := l.allow("create_tunnel|acc-1"); !ok {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}

	wait, ok := l.allow("create_tunnel|acc-1")
	if ok {
		t.Fatal("expected fourth call to be denied")
	}
	if wait != time.Minute {
		t.Fatalf("retry hint: got %v, want 1m", wait)
	}
}

func TestOpLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := newOpLimiter(1)
	if _, ok := l.allow("create_tunnel|acc-1"); !ok {
		t.Fatal("first key denied")
	}
	if _, ok := l.allow("delete_tunnel|acc-1"); !ok {
		t.Fatal("different operation must have its own quota")
	}
	if _, ok := l.allow("create_tunnel|acc-2"); !ok {
		t.Fatal("different account must have its own quota")
	}
	if _, ok := l.allow("create_tunnel|acc-1"); ok {
		t.Fatal("repeat on exhausted key must be denied")
	}
}

func TestOpLimiterRollingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newOpLimiter(2)
	l.now = func() time.Time { return now }

	l.allow("op|acc")
	now = now.Add(30 * time.Second)
	l.allow("op|acc")

	wait, ok := l.allow("op|acc")
	if ok {
		t.Fatal("expected denial at quota")
	}
	if wait != 30*time.Second {
		t.Fatalf("retry hint should reach the oldest call's expiry: got %v", wait)
	}

	// Once the oldest call leaves the window the quota frees up.
	now = now.Add(31 * time.Second)
	if _, ok := l.allow("op|acc"); !ok {
		t.Fatal("expected call to pass after window rolled")
	}
}
