package manager

import (
	"context"
	"errors"
	"time"

	"github.com/hostbound/tunneld/internal/config"
	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/events"
	"github.com/hostbound/tunneld/internal/secrets"
)

// CreateOptions describe a new tunnel.
type CreateOptions struct {
	Name      string
	AccountID string
	ZoneID    string
	AutoStart bool
}

// Create provisions a new tunnel: validates the name, creates the remote
// tunnel, fetches and persists its runtime credential, and persists the
// record.  Any failure after the remote tunnel exists triggers best-effort
// remote and local cleanup before the original error is surfaced.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*domain.TunnelRecord, error) {
	name, err := normalizeName(opts.Name)
	if err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if _, exists := m.records.FindByName(name); exists {
		return nil, domain.E(domain.CodeConflict, "tunnel name %q is already in use", name)
	}
	if opts.AccountID != "" && opts.AccountID != m.api.AccountID() {
		return nil, domain.E(domain.CodeInvalidArgument,
			"requested account does not match the authenticated account")
	}

	tun, creds, err := m.api.CreateTunnel(ctx, name)
	if err != nil {
		return nil, err
	}

	rec := &domain.TunnelRecord{
		ID:        tun.ID,
		Name:      name,
		AccountID: m.api.AccountID(),
		ZoneID:    opts.ZoneID,
		AutoStart: opts.AutoStart,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.attachCredential(ctx, rec, creds); err != nil {
		m.compensateCreate(ctx, tun.ID)
		return nil, err
	}
	if err := m.records.Save(rec); err != nil {
		m.compensateCreate(ctx, tun.ID)
		return nil, err
	}

	m.event(ctx, rec.ID, events.KindCreated, "name="+name)
	m.log.Info("tunnel created", "tunnel_id", rec.ID, "name", name)
	return rec.Clone(), nil
}

// attachCredential stores the runtime credential for the configured mode
// and sets the record's credential union accordingly.
func (m *Manager) attachCredential(ctx context.Context, rec *domain.TunnelRecord, creds []byte) error {
	switch m.cfg.CredentialMode {
	case config.CredentialModeToken:
		token, err := m.api.TunnelToken(ctx, rec.ID)
		if err != nil {
			return err
		}
		if err := m.secrets.SaveTunnelToken(rec.ID, token); err != nil {
			return err
		}
		rec.Credential = domain.RuntimeToken(token)
	default:
		if err := m.secrets.SaveTunnelCredentials(rec.ID, creds); err != nil {
			return err
		}
		rec.Credential = domain.CredentialsFile(m.secrets.CredentialsFilePath(rec.ID))
	}
	return nil
}

// compensateCreate undoes a partially-created tunnel.  Failures here are
// logged but never mask the original error.
func (m *Manager) compensateCreate(ctx context.Context, tunnelID string) {
	if err := m.api.DeleteTunnel(ctx, tunnelID); err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		m.log.Warn("cleanup of partially created tunnel failed", "tunnel_id", tunnelID, "err", err)
	}
	if err := m.secrets.RemoveTunnel(tunnelID); err != nil {
		m.log.Warn("cleanup of tunnel secrets failed", "tunnel_id", tunnelID, "err", err)
	}
}

// Delete stops the tunnel process, deletes the remote tunnel (treating an
// already-deleted remote as success), and removes all local artifacts.
// When the remote delete fails for any other reason the local state is
// left intact so the operation can be retried.
func (m *Manager) Delete(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, ok := m.records.Get(id)
	if !ok {
		return domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}

	if err := m.sup.Stop(ctx, id); err != nil {
		return err
	}

	if err := m.api.DeleteTunnel(ctx, id); err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		return err
	}

	var firstErr error
	if err := m.sup.Remove(ctx, id); err != nil {
		firstErr = err
	}
	if err := m.secrets.RemoveTunnel(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.records.Delete(id); err != nil && firstErr == nil {
		firstErr = err
	}
	m.resolver.Invalidate(id)
	m.dropLock(id)

	m.event(ctx, id, events.KindDeleted, "name="+rec.Name)
	m.log.Info("tunnel deleted", "tunnel_id", id, "name", rec.Name)
	return firstErr
}

// Start launches the tunnel process, materializing the decrypted
// credentials file first in credentials-file mode.  Starting an active
// tunnel is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.startLocked(ctx, id)
}

func (m *Manager) startLocked(ctx context.Context, id string) error {
	rec, ok := m.records.Get(id)
	if !ok {
		return domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}

	if _, fileMode := rec.Credential.File(); fileMode {
		if _, err := m.secrets.MaterializeCredentials(id); err != nil {
			if errors.Is(err, secrets.ErrNoCredential) {
				return domain.E(domain.CodeCredentialsMissing,
					"no stored credentials for tunnel %q", rec.Name)
			}
			return err
		}
	}

	if err := m.sup.Start(ctx, rec); err != nil {
		return err
	}

	m.event(ctx, id, events.KindStarted, "")
	m.resolver.Resolve(ctx, id, true)
	return nil
}

// Stop gracefully terminates the tunnel process.  Stopping an inactive
// tunnel is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, ok := m.records.Get(id); !ok {
		return domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	if err := m.sup.Stop(ctx, id); err != nil {
		return err
	}

	m.event(ctx, id, events.KindStopped, "")
	m.resolver.Resolve(ctx, id, true)
	return nil
}
