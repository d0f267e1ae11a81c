// Package supervise runs and monitors one tunnel connector process per
// managed tunnel: it launches the binary, follows its output, promotes
// status on registration signals, and applies a bounded crash-restart
// policy.
package supervise

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/ingress"
)

// Notification kinds delivered through Config.Notify.
const (
	NotifyCrashed      = "crashed"
	NotifyRestarted    = "restarted"
	NotifyRestartLimit = "restart_limit"
)

// Config holds supervisor tunables.
type Config struct {
	BinaryPath   string
	ConfigDir    string
	StartGrace   time.Duration
	StopTimeout  time.Duration
	RestartDelay time.Duration
	MaxRestarts  int
	MetricsPort  int
	DebugLogs    bool

	// Notify, when set, receives out-of-band exit notifications so callers
	// can journal crashes and restarts.  Called from the reaper goroutine.
	Notify func(tunnelID, kind, detail string)
}

// State is a point-in-time snapshot of one tunnel's runtime state.  It is
// never persisted; after a daemon restart every tunnel reports inactive
// until reconciled.
type State struct {
	Status        domain.Status
	PID           int
	PublicURL     string
	Restarts      int
	LastRestartAt time.Time
	LastError     string
}

// Supervisor owns the tunnel-id keyed runtime registry.  Operations on
// different tunnel ids proceed independently; operations on the same id are
// serialized by a per-process operation lock.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	procs map[string]*process
}

type process struct {
	id   string
	logs *LogBuffer

	// opMu serializes Start/Stop/restart for this tunnel and may be held
	// across blocking waits.
	opMu sync.Mutex

	// stateMu guards the fields below and is never held across blocking
	// calls.
	stateMu       sync.Mutex
	cmd           *exec.Cmd
	done          chan struct{}
	args          []string
	status        domain.Status
	publicURL     string
	restarts      int
	lastRestartAt time.Time
	lastStderr    string
	manualStop    bool
	restartTimer  *time.Timer
}

// New creates a supervisor and ensures the config directory exists.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:   cfg,
		log:   logger,
		procs: make(map[string]*process),
	}, nil
}

func (s *Supervisor) proc(id string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		p = &process{id: id, status: domain.StatusInactive, logs: newLogBuffer()}
		s.procs[id] = p
	}
	return p
}

func (s *Supervisor) lookup(id string) *process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procs[id]
}

// Start launches the tunnel process for rec.  It is a no-op when the
// process is already running.  The call does not return success until the
// process survived the start grace window (or was promoted to active by its
// own output first); an earlier exit fails with the last captured stderr
// line as detail.
func (s *Supervisor) Start(ctx context.Context, rec *domain.TunnelRecord) error {
	p := s.proc(rec.ID)
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.stateMu.Lock()
	running := p.cmd != nil
	p.stateMu.Unlock()
	if running {
		return nil
	}

	args, err := s.launchArgs(rec)
	if err != nil {
		return err
	}

	p.stateMu.Lock()
	p.manualStop = false
	p.restarts = 0
	p.args = args
	p.stateMu.Unlock()

	if err := s.launch(p); err != nil {
		return err
	}
	return s.awaitStart(ctx, p)
}

// launchArgs validates the record's credential, regenerates the ingress
// configuration file, and builds the connector argv.  The credentials-file
// and runtime-token modes are mutually exclusive by construction of
// [domain.RuntimeCredential].
func (s *Supervisor) launchArgs(rec *domain.TunnelRecord) ([]string, error) {
	args := []string{"tunnel"}
	if s.cfg.DebugLogs {
		args = append(args, "--log-level", "debug")
	}

	credPath, fileMode := rec.Credential.File()
	token, tokenMode := rec.Credential.Token()
	switch {
	case fileMode:
		if _, err := os.Stat(credPath); err != nil {
			return nil, domain.E(domain.CodeCredentialsMissing,
				"credentials file for tunnel %q is not available", rec.Name)
		}
	case tokenMode:
	default:
		return nil, domain.E(domain.CodeCredentialsMissing,
			"tunnel %q has neither a credentials file nor a runtime token", rec.Name)
	}

	text, err := ingress.Render(ingress.Options{
		TunnelID:        rec.ID,
		CredentialsPath: credPath,
		MetricsPort:     s.cfg.MetricsPort,
	}, rec.Ingress)
	if err != nil {
		return nil, err
	}
	cfgPath := s.configPath(rec.ID)
	if err := os.WriteFile(cfgPath, []byte(text), 0o600); err != nil {
		return nil, domain.Wrap(err, domain.CodeProcessStartFailed, "writing tunnel configuration failed")
	}

	if fileMode {
		args = append(args, "--config", cfgPath, "run", rec.ID)
	} else {
		args = append(args, "run", "--token", token)
	}
	return args, nil
}

func (s *Supervisor) configPath(id string) string {
	return filepath.Join(s.cfg.ConfigDir, id+".yml")
}

// launch spawns the process and wires up output scanning and the exit
// handler.  Callers hold p.opMu.
func (s *Supervisor) launch(p *process) error {
	p.stateMu.Lock()
	args := p.args
	p.stateMu.Unlock()

	cmd := exec.Command(s.cfg.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Wrap(err, domain.CodeProcessStartFailed, "preparing tunnel process failed")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.Wrap(err, domain.CodeProcessStartFailed, "preparing tunnel process failed")
	}

	if err := cmd.Start(); err != nil {
		p.stateMu.Lock()
		p.status = domain.StatusError
		p.stateMu.Unlock()
		return domain.Wrap(err, domain.CodeProcessStartFailed, "launching tunnel process failed")
	}

	done := make(chan struct{})
	p.stateMu.Lock()
	p.cmd = cmd
	p.done = done
	p.status = domain.StatusCreating
	p.publicURL = ""
	p.stateMu.Unlock()

	s.log.Info("tunnel process started", "tunnel_id", p.id, "pid", cmd.Process.Pid)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		p.scan(stdout, false)
	}()
	go func() {
		defer scanners.Done()
		p.scan(stderr, true)
	}()
	go s.reap(p, cmd, done, &scanners)
	return nil
}

// reap waits for process exit, classifies it, and applies the restart
// policy.  The manualStop flag, set immediately before the termination
// signal is sent, is read exactly once here to distinguish "exited because
// we asked" from a crash.
func (s *Supervisor) reap(p *process, cmd *exec.Cmd, done chan struct{}, scanners *sync.WaitGroup) {
	scanners.Wait()
	err := cmd.Wait()
	close(done)

	p.stateMu.Lock()
	if p.cmd == cmd {
		p.cmd = nil
	}
	manual := p.manualStop
	clean := err == nil
	scheduleRestart := !manual && p.restarts < s.cfg.MaxRestarts

	switch {
	case manual:
		p.status = domain.StatusInactive
	case scheduleRestart && clean:
		p.status = domain.StatusInactive
	case scheduleRestart:
		p.status = domain.StatusError
	default:
		p.status = domain.StatusError
	}

	if scheduleRestart {
		p.restarts++
		p.lastRestartAt = time.Now()
		p.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() { s.restart(p) })
	}
	restarts := p.restarts
	p.stateMu.Unlock()

	switch {
	case manual:
		s.log.Info("tunnel process stopped", "tunnel_id", p.id)
	case scheduleRestart:
		s.log.Warn("tunnel process exited, restart scheduled",
			"tunnel_id", p.id, "err", err, "attempt", restarts, "max", s.cfg.MaxRestarts)
		if !clean {
			s.notify(p.id, NotifyCrashed, errDetail(err))
		}
		s.notify(p.id, NotifyRestarted, fmt.Sprintf("attempt=%d", restarts))
	default:
		s.log.Error("tunnel process exited, restart limit reached",
			"tunnel_id", p.id, "err", err, "restarts", restarts)
		if !clean {
			s.notify(p.id, NotifyCrashed, errDetail(err))
		}
		s.notify(p.id, NotifyRestartLimit, fmt.Sprintf("restarts=%d", restarts))
	}
}

func (s *Supervisor) notify(tunnelID, kind, detail string) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(tunnelID, kind, detail)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// restart relaunches a crashed process unless a manual stop intervened
// while the restart delay was pending.
func (s *Supervisor) restart(p *process) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.stateMu.Lock()
	skip := p.manualStop || p.cmd != nil
	p.restartTimer = nil
	p.stateMu.Unlock()
	if skip {
		return
	}

	if err := s.launch(p); err != nil {
		s.log.Error("tunnel process restart failed", "tunnel_id", p.id, "err", err)
	}
}

// awaitStart blocks until the process is confirmed alive past the grace
// window, promoted to active by its own output, or already exited.
func (s *Supervisor) awaitStart(ctx context.Context, p *process) error {
	p.stateMu.Lock()
	done := p.done
	p.stateMu.Unlock()

	grace := time.NewTimer(s.cfg.StartGrace)
	defer grace.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-done:
			p.stateMu.Lock()
			detail := p.lastStderr
			p.stateMu.Unlock()
			return &domain.Error{
				Code:    domain.CodeProcessStartFailed,
				Message: "tunnel process exited during startup",
				Detail:  detail,
			}
		case <-tick.C:
			p.stateMu.Lock()
			active := p.status == domain.StatusActive
			p.stateMu.Unlock()
			if active {
				return nil
			}
		case <-grace.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop gracefully terminates the tunnel process, escalating to SIGKILL
// after the stop timeout.  A manual stop clears the crash-restart history.
// Stopping a tunnel that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	p := s.lookup(id)
	if p == nil {
		return nil
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.stateMu.Lock()
	p.manualStop = true
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	p.restarts = 0
	cmd := p.cmd
	done := p.done
	if cmd == nil {
		// Already exited (crashed with a restart pending); the stop still
		// settles the tunnel as inactive.
		p.status = domain.StatusInactive
	}
	p.stateMu.Unlock()

	if cmd == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		_ = cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
	}

	p.stateMu.Lock()
	p.status = domain.StatusInactive
	p.restarts = 0
	p.stateMu.Unlock()
	return nil
}

// State returns a snapshot of the tunnel's runtime state.  Unknown tunnels
// report inactive.
func (s *Supervisor) State(id string) State {
	p := s.lookup(id)
	if p == nil {
		return State{Status: domain.StatusInactive}
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	st := State{
		Status:        p.status,
		PublicURL:     p.publicURL,
		Restarts:      p.restarts,
		LastRestartAt: p.lastRestartAt,
		LastError:     p.lastStderr,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.PID = p.cmd.Process.Pid
	}
	return st
}

// Alive reports whether the tunnel's process is currently running.
func (s *Supervisor) Alive(id string) bool {
	p := s.lookup(id)
	if p == nil {
		return false
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.cmd != nil
}

// Logs returns up to n of the most recent output lines for the tunnel.
func (s *Supervisor) Logs(id string, n int) []string {
	p := s.lookup(id)
	if p == nil {
		return nil
	}
	return p.logs.Tail(n)
}

// Subscribe attaches a live log listener to the tunnel, creating the
// runtime entry if needed so that subscription before the first start
// works.
func (s *Supervisor) Subscribe(id string) (<-chan string, func()) {
	return s.proc(id).logs.Subscribe()
}

// Remove stops the tunnel if needed and discards its runtime state,
// subscribers, and rendered configuration file.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	p := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()

	if p != nil {
		p.logs.Close()
	}
	if err := os.Remove(s.configPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *process) scan(r io.Reader, isStderr bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		p.logs.Append(line)
		p.observe(line, isStderr)
	}
}

func (p *process) observe(line string, isStderr bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if isStderr && strings.TrimSpace(line) != "" {
		p.lastStderr = line
	}
	if p.status == domain.StatusCreating && connectionRegisteredRe.MatchString(line) {
		p.status = domain.StatusActive
	}
	if p.publicURL == "" {
		if m := quickTunnelURLRe.FindString(line); m != "" {
			p.publicURL = m
		}
	}
}
