package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeFakeConnector writes an executable shell script standing in for the
// tunnel binary.
func writeFakeConnector(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes")
	}
	path := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, binary string, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		BinaryPath:   binary,
		ConfigDir:    filepath.Join(t.TempDir(), "configs"),
		StartGrace:   3 * time.Second,
		StopTimeout:  2 * time.Second,
		RestartDelay: 50 * time.Millisecond,
		MaxRestarts:  2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func tokenRecord(id string) *domain.TunnelRecord {
	return &domain.TunnelRecord{
		ID:         id,
		Name:       id,
		AccountID:  "acc-1",
		Credential: domain.RuntimeToken("tok"),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestStartPromotesOnRegistrationLine(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "INF Registered tunnel connection connIndex=0"
exec sleep 30`)
	s := newTestSupervisor(t, bin, nil)
	defer func() { _ = s.Stop(context.Background(), "tun-1") }()

	start := time.Now()
	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	// Promotion must return well before the grace window elapses.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("start took %v, promotion did not short-circuit the grace window", elapsed)
	}

	st := s.State("tun-1")
	if st.Status != domain.StatusActive {
		t.Fatalf("status after registration: got %q", st.Status)
	}
	if st.PID == 0 {
		t.Fatal("expected a live pid")
	}
	if !s.Alive("tun-1") {
		t.Fatal("Alive must report true for a running process")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
exec sleep 30`)
	s := newTestSupervisor(t, bin, nil)
	defer func() { _ = s.Stop(context.Background(), "tun-1") }()

	rec := tokenRecord("tun-1")
	if err := s.Start(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	pid := s.State("tun-1").PID

	if err := s.Start(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if got := s.State("tun-1").PID; got != pid {
		t.Fatalf("second start relaunched the process: pid %d -> %d", pid, got)
	}
}

func TestStartFailureCarriesStderrDetail(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "ERR failed to parse token" >&2
exit 1`)
	s := newTestSupervisor(t, bin, func(c *Config) { c.MaxRestarts = 0 })

	err := s.Start(context.Background(), tokenRecord("tun-1"))
	if !domain.IsCode(err, domain.CodeProcessStartFailed) {
		t.Fatalf("expected process_start_failed, got %v", err)
	}
	var derr *domain.Error
	if !errors.As(err, &derr) || !strings.Contains(derr.Detail, "failed to parse token") {
		t.Fatalf("expected stderr line in detail, got %+v", derr)
	}
}

func TestStartRejectsMissingCredential(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t, "/bin/false", nil)
	rec := &domain.TunnelRecord{ID: "tun-1", Name: "tun-1"}
	err := s.Start(context.Background(), rec)
	if !domain.IsCode(err, domain.CodeCredentialsMissing) {
		t.Fatalf("expected credentials_missing, got %v", err)
	}
}

func TestCrashRestartIsBounded(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
sleep 0.2
exit 1`)

	var mu sync.Mutex
	var notifications []string
	s := newTestSupervisor(t, bin, func(c *Config) {
		c.Notify = func(_, kind, _ string) {
			mu.Lock()
			notifications = append(notifications, kind)
			mu.Unlock()
		}
	})

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}

	// Two restarts, then the limit halts the loop in terminal error.
	waitFor(t, 10*time.Second, func() bool {
		st := s.State("tun-1")
		return st.Status == domain.StatusError && st.Restarts == 2 && !s.Alive("tun-1")
	})

	mu.Lock()
	defer mu.Unlock()
	var crashed, restarted, limit int
	for _, k := range notifications {
		switch k {
		case NotifyCrashed:
			crashed++
		case NotifyRestarted:
			restarted++
		case NotifyRestartLimit:
			limit++
		}
	}
	if crashed != 3 || restarted != 2 || limit != 1 {
		t.Fatalf("notifications: crashed=%d restarted=%d limit=%d (%v)", crashed, restarted, limit, notifications)
	}
}

func TestManualStopPreventsRestart(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
exec sleep 30`)
	s := newTestSupervisor(t, bin, nil)

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background(), "tun-1"); err != nil {
		t.Fatal(err)
	}

	st := s.State("tun-1")
	if st.Status != domain.StatusInactive || st.Restarts != 0 {
		t.Fatalf("state after manual stop: %+v", st)
	}

	// The restart delay passing must not bring the process back.
	time.Sleep(200 * time.Millisecond)
	if s.Alive("tun-1") {
		t.Fatal("process restarted after manual stop")
	}

	// Stopping again is a no-op.
	if err := s.Stop(context.Background(), "tun-1"); err != nil {
		t.Fatal(err)
	}
}

func TestStopAfterCrashSettlesInactive(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
sleep 0.2
exit 1`)
	s := newTestSupervisor(t, bin, func(cfg *Config) {
		// Keep the restart pending so Stop races the timer, not a new
		// process.
		cfg.RestartDelay = time.Minute
	})

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return s.State("tun-1").Status == domain.StatusError && !s.Alive("tun-1")
	})

	if err := s.Stop(context.Background(), "tun-1"); err != nil {
		t.Fatal(err)
	}
	st := s.State("tun-1")
	if st.Status != domain.StatusInactive || st.Restarts != 0 {
		t.Fatalf("state after stopping a crashed tunnel: %+v", st)
	}
}

func TestManualStartResetsRestartBudget(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
sleep 0.2
exit 1`)
	s := newTestSupervisor(t, bin, nil)

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return s.State("tun-1").Status == domain.StatusError && !s.Alive("tun-1")
	})

	// A fresh manual start clears the exhausted budget.
	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	if got := s.State("tun-1").Restarts; got != 0 {
		t.Fatalf("restart counter after manual start: got %d, want 0", got)
	}
	_ = s.Stop(context.Background(), "tun-1")
}

func TestLogsAndSubscribe(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "line one"
echo "line two"
echo "Registered tunnel connection"
exec sleep 30`)
	s := newTestSupervisor(t, bin, nil)
	defer func() { _ = s.Stop(context.Background(), "tun-1") }()

	ch, cancel := s.Subscribe("tun-1")
	defer cancel()

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return len(s.Logs("tun-1", 0)) >= 3 })
	tail := s.Logs("tun-1", 2)
	if len(tail) != 2 || tail[0] != "line two" {
		t.Fatalf("tail: %v", tail)
	}

	select {
	case line := <-ch:
		if line != "line one" {
			t.Fatalf("first streamed line: %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no line streamed to subscriber")
	}
}

func TestRemoveCleansUp(t *testing.T) {
	t.Parallel()

	bin := writeFakeConnector(t, `echo "Registered tunnel connection"
exec sleep 30`)
	s := newTestSupervisor(t, bin, nil)

	if err := s.Start(context.Background(), tokenRecord("tun-1")); err != nil {
		t.Fatal(err)
	}
	cfgPath := s.configPath("tun-1")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected rendered config at %s: %v", cfgPath, err)
	}

	if err := s.Remove(context.Background(), "tun-1"); err != nil {
		t.Fatal(err)
	}
	if s.Alive("tun-1") {
		t.Fatal("process survived Remove")
	}
	if _, err := os.Stat(cfgPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("config file survived Remove")
	}
	if st := s.State("tun-1"); st.Status != domain.StatusInactive {
		t.Fatalf("removed tunnel must report inactive, got %q", st.Status)
	}
}

func TestUnknownTunnelState(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t, "/bin/false", nil)
	if st := s.State("nope"); st.Status != domain.StatusInactive || st.PID != 0 {
		t.Fatalf("unknown tunnel state: %+v", st)
	}
	if s.Alive("nope") {
		t.Fatal("unknown tunnel must not be alive")
	}
	if logs := s.Logs("nope", 10); logs != nil {
		t.Fatalf("unknown tunnel logs: %v", logs)
	}
	if err := s.Stop(context.Background(), "nope"); err != nil {
		t.Fatal(err)
	}
}
