package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, kind := range []string{KindCreated, KindStarted, KindStopped} {
		if err := s.Record(ctx, "tun-1", kind, ""); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}
	if err := s.Record(ctx, "tun-2", KindCreated, "name=other"); err != nil {
		t.Fatal(err)
	}

	evs, err := s.ListForTunnel(ctx, "tun-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events for tun-1, got %d", len(evs))
	}
	// Newest first.
	if evs[0].Kind != KindStopped || evs[2].Kind != KindCreated {
		t.Fatalf("unexpected ordering: %v %v %v", evs[0].Kind, evs[1].Kind, evs[2].Kind)
	}
	for _, e := range evs {
		if e.ID == "" || e.TunnelID != "tun-1" || e.CreatedAt.IsZero() {
			t.Fatalf("incomplete event: %+v", e)
		}
	}
}

func TestListLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.Record(ctx, "tun-1", KindRestarted, ""); err != nil {
			t.Fatal(err)
		}
	}

	evs, err := s.ListForTunnel(ctx, "tun-1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 4 {
		t.Fatalf("limit not applied: got %d", len(evs))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, "tun-1", KindCreated, ""); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than a horizon in the past.
	n, err := s.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("purged %d events unexpectedly", n)
	}

	// Everything is older than a horizon in the future.
	n, err = s.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged event, got %d", n)
	}

	evs, err := s.ListForTunnel(ctx, "tun-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Fatalf("events survived purge: %d", len(evs))
	}
}
