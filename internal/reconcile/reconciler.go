// Package reconcile merges locally-observed process liveness with the
// remotely-reported connection state into one authoritative tunnel status.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hostbound/tunneld/internal/cloudflare"
	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/supervise"
)

// DefaultTTL bounds control-plane call volume on read-heavy traffic.
const DefaultTTL = 10 * time.Second

// ConnectionLister is the control-plane slice the resolver needs.
type ConnectionLister interface {
	ListConnections(ctx context.Context, tunnelID string) ([]cloudflare.Connection, error)
}

// ProcessStates is the supervisor slice the resolver needs.
type ProcessStates interface {
	Alive(id string) bool
	State(id string) supervise.State
}

// Resolver computes tunnel status.  The remote signal is authoritative for
// promoting creating to active; the supervisor's log-pattern promotion is a
// latency optimization that is honored but re-verified by forced
// reconciliation after mutating operations.
type Resolver struct {
	remote ConnectionLister
	local  ProcessStates
	ttl    time.Duration
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time // test seam
}

type cacheEntry struct {
	status domain.Status
	at     time.Time
}

// New creates a resolver with the given cache TTL (DefaultTTL when ttl <= 0).
func New(remote ConnectionLister, local ProcessStates, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		remote: remote,
		local:  local,
		ttl:    ttl,
		log:    logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Resolve returns the authoritative status for a tunnel.  force bypasses
// the cache (used after mutating operations).  A failing remote check
// degrades to the local signal alone and never raises: remote
// unreachability must not make a running tunnel vanish from a listing.
func (r *Resolver) Resolve(ctx context.Context, tunnelID string, force bool) domain.Status {
	now := r.now()
	if !force {
		r.mu.Lock()
		e, ok := r.cache[tunnelID]
		r.mu.Unlock()
		if ok && now.Sub(e.at) < r.ttl {
			return e.status
		}
	}

	status := r.compute(ctx, tunnelID)

	r.mu.Lock()
	r.cache[tunnelID] = cacheEntry{status: status, at: now}
	r.mu.Unlock()
	return status
}

func (r *Resolver) compute(ctx context.Context, tunnelID string) domain.Status {
	local := r.local.State(tunnelID)
	if !r.local.Alive(tunnelID) {
		return local.Status
	}

	conns, err := r.remote.ListConnections(ctx, tunnelID)
	if err != nil {
		r.log.Debug("remote status check failed, using local signal",
			"tunnel_id", tunnelID, "err", err)
		return local.Status
	}

	for _, c := range conns {
		if c.Live() {
			return domain.StatusActive
		}
	}
	// No live remote connection: honor an earlier log-pattern promotion,
	// otherwise the process is still registering.
	if local.Status == domain.StatusActive {
		return domain.StatusActive
	}
	return domain.StatusCreating
}

// Invalidate drops the cached status for a tunnel (on delete).
func (r *Resolver) Invalidate(tunnelID string) {
	r.mu.Lock()
	delete(r.cache, tunnelID)
	r.mu.Unlock()
}
