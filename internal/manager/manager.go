// Package manager implements the tunnel lifecycle orchestrator: the public
// operations that compose the control-plane client, credential store,
// process supervisor, and state reconciler, and persist the resulting
// tunnel records.
package manager

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/hostbound/tunneld/internal/cloudflare"
	"github.com/hostbound/tunneld/internal/config"
	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/events"
	"github.com/hostbound/tunneld/internal/reconcile"
	"github.com/hostbound/tunneld/internal/secrets"
	"github.com/hostbound/tunneld/internal/store"
	"github.com/hostbound/tunneld/internal/supervise"
)

// Manager owns all tunnel lifecycle operations.  Mutations on the same
// tunnel id are serialized by per-id locks; different ids proceed in
// parallel.
type Manager struct {
	cfg      config.ServeConfig
	log      *slog.Logger
	records  *store.Records
	secrets  *secrets.Store
	api      *cloudflare.Client
	sup      *supervise.Supervisor
	resolver *reconcile.Resolver
	journal  *events.Store // nil disables the journal

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// assocMu serializes cross-record container association checks so the
	// one-tunnel-per-service invariant cannot be raced from two tunnels.
	assocMu sync.Mutex

	// createMu serializes tunnel creation so the name-uniqueness check and
	// the record save cannot be raced from two concurrent creates.  The
	// per-id locks cannot cover this window because the id does not exist
	// until the remote create returns.
	createMu sync.Mutex
}

// New wires a manager from its dependencies.
func New(
	cfg config.ServeConfig,
	logger *slog.Logger,
	records *store.Records,
	sec *secrets.Store,
	api *cloudflare.Client,
	sup *supervise.Supervisor,
	resolver *reconcile.Resolver,
	journal *events.Store,
) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      logger,
		records:  records,
		secrets:  sec,
		api:      api,
		sup:      sup,
		resolver: resolver,
		journal:  journal,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutation lock for a tunnel id, creating it on first
// use.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) dropLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// event appends to the lifecycle journal; journal failures are logged and
// never fail the operation that produced the event.
func (m *Manager) event(ctx context.Context, tunnelID, kind, detail string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(ctx, tunnelID, kind, detail); err != nil {
		m.log.Warn("event journal write failed", "tunnel_id", tunnelID, "kind", kind, "err", err)
	}
}

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

const maxNameLength = 63

// normalizeName lowercases and validates a tunnel name.
func normalizeName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", domain.E(domain.CodeInvalidArgument, "tunnel name is required")
	}
	if len(name) > maxNameLength {
		return "", domain.E(domain.CodeInvalidArgument, "tunnel name exceeds %d characters", maxNameLength)
	}
	if !nameRe.MatchString(name) {
		return "", domain.E(domain.CodeInvalidArgument,
			"tunnel name may only contain lowercase letters, digits, and hyphens")
	}
	return name, nil
}

// Get returns the persisted record for a tunnel.
func (m *Manager) Get(id string) (*domain.TunnelRecord, error) {
	rec, ok := m.records.Get(id)
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	return rec, nil
}

// List returns all persisted records, oldest first.
func (m *Manager) List() []*domain.TunnelRecord {
	return m.records.List()
}

// StatusInfo combines the reconciled status with supervisor detail.
type StatusInfo struct {
	Status        domain.Status `json:"status"`
	PublicURL     string        `json:"publicUrl,omitempty"`
	PID           int           `json:"pid,omitempty"`
	Restarts      int           `json:"restarts"`
	LastRestartAt string        `json:"lastRestartAt,omitempty"`
}

// Status resolves the authoritative status for a tunnel.  force bypasses
// the reconciliation cache.
func (m *Manager) Status(ctx context.Context, id string, force bool) (StatusInfo, error) {
	if _, ok := m.records.Get(id); !ok {
		return StatusInfo{}, domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}

	status := m.resolver.Resolve(ctx, id, force)
	local := m.sup.State(id)
	info := StatusInfo{
		Status:    status,
		PublicURL: local.PublicURL,
		PID:       local.PID,
		Restarts:  local.Restarts,
	}
	if !local.LastRestartAt.IsZero() {
		info.LastRestartAt = local.LastRestartAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return info, nil
}

// Logs returns up to n of the most recent process output lines.
func (m *Manager) Logs(id string, n int) ([]string, error) {
	if _, ok := m.records.Get(id); !ok {
		return nil, domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	return m.sup.Logs(id, n), nil
}

// SubscribeLogs attaches a live log listener; the cancel func must be
// called on disconnect.
func (m *Manager) SubscribeLogs(id string) (<-chan string, func(), error) {
	if _, ok := m.records.Get(id); !ok {
		return nil, nil, domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	ch, cancel := m.sup.Subscribe(id)
	return ch, cancel, nil
}

// Events returns the most recent journal entries for a tunnel.
func (m *Manager) Events(ctx context.Context, id string, limit int) ([]events.Event, error) {
	if _, ok := m.records.Get(id); !ok {
		return nil, domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.ListForTunnel(ctx, id, limit)
}
