package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostbound/tunneld/internal/cloudflare"
	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/events"
	"github.com/hostbound/tunneld/internal/ingress"
	"github.com/hostbound/tunneld/internal/netutil"
)

// ProvisionOptions describe the one-call workflow that exposes a single
// service on a public hostname.
type ProvisionOptions struct {
	Hostname    string
	ServiceName string
	LocalPort   int
	ContainerID string
	AccountID   string
	ZoneID      string
	Start       bool
}

// ProvisionForService creates a tunnel, associates the service, sets a
// single ingress rule pointing at it, resolves the owning DNS zone for the
// hostname, upserts the DNS record, and optionally starts the process.
// Any failure triggers a best-effort rollback that deletes the just-created
// tunnel.
func (m *Manager) ProvisionForService(ctx context.Context, opts ProvisionOptions) (*domain.TunnelRecord, error) {
	hostname := netutil.NormalizeHost(opts.Hostname)
	if hostname == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "hostname is required")
	}
	service := strings.TrimSpace(opts.ServiceName)
	if service == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "service name is required")
	}
	if opts.LocalPort <= 0 || opts.LocalPort > 65535 {
		return nil, domain.E(domain.CodeInvalidArgument, "local port must be between 1 and 65535")
	}
	rule := domain.IngressRule{
		Hostname: hostname,
		Service:  fmt.Sprintf("http://%s:%d", service, opts.LocalPort),
	}
	// Reject malformed hostnames before any remote side effect.
	if err := ingress.ValidateRules([]domain.IngressRule{rule}); err != nil {
		return nil, err
	}

	rec, err := m.Create(ctx, CreateOptions{
		Name:      service,
		AccountID: opts.AccountID,
		ZoneID:    opts.ZoneID,
		AutoStart: true,
	})
	if err != nil {
		return nil, err
	}

	if err := m.provision(ctx, rec, hostname, rule, opts); err != nil {
		m.rollbackProvision(ctx, rec.ID)
		return nil, err
	}

	m.event(ctx, rec.ID, events.KindProvisioned, "hostname="+hostname)
	if fresh, ok := m.records.Get(rec.ID); ok {
		rec = fresh
	}
	return rec, nil
}

func (m *Manager) provision(ctx context.Context, rec *domain.TunnelRecord, hostname string, rule domain.IngressRule, opts ProvisionOptions) error {
	if opts.ContainerID != "" {
		if err := m.SetContainerAssociations(ctx, rec.ID, []string{opts.ContainerID}); err != nil {
			return err
		}
	}

	if err := m.UpdateIngress(ctx, rec.ID, []domain.IngressRule{rule}); err != nil {
		return err
	}

	zoneID, err := m.resolveZone(ctx, hostname, opts.ZoneID)
	if err != nil {
		return err
	}
	if err := m.api.UpsertTunnelDNS(ctx, zoneID, hostname, rec.ID); err != nil {
		return err
	}

	l := m.lockFor(rec.ID)
	l.Lock()
	current, ok := m.records.Get(rec.ID)
	if !ok {
		l.Unlock()
		return domain.E(domain.CodeNotFound, "tunnel %q disappeared during provisioning", rec.ID)
	}
	current.ZoneID = zoneID
	err = m.records.Save(current)
	l.Unlock()
	if err != nil {
		return err
	}

	if opts.Start {
		return m.Start(ctx, rec.ID)
	}
	return nil
}

func (m *Manager) rollbackProvision(ctx context.Context, id string) {
	if err := m.Delete(ctx, id); err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		m.log.Warn("provisioning rollback failed", "tunnel_id", id, "err", err)
	}
}

// resolveZone picks the DNS zone owning hostname: the explicit zone id when
// given, else the longest-suffix match over the account's zones, else the
// longest-suffix match over every zone visible to the token.
func (m *Manager) resolveZone(ctx context.Context, hostname, explicitZoneID string) (string, error) {
	if explicitZoneID != "" {
		return explicitZoneID, nil
	}

	accountZones, err := m.api.ListAccountZones(ctx)
	if err != nil {
		return "", err
	}
	if z, ok := bestZoneMatch(hostname, accountZones); ok {
		return z.ID, nil
	}

	allZones, err := m.api.ListZones(ctx)
	if err != nil {
		return "", err
	}
	if z, ok := bestZoneMatch(hostname, allZones); ok {
		return z.ID, nil
	}
	return "", domain.E(domain.CodeNotFound, "no DNS zone found for hostname %q", hostname)
}

// bestZoneMatch returns the zone with the longest name that is a suffix of
// hostname.
func bestZoneMatch(hostname string, zones []cloudflare.Zone) (cloudflare.Zone, bool) {
	var best cloudflare.Zone
	found := false
	for _, z := range zones {
		name := netutil.NormalizeHost(z.Name)
		if !netutil.HostInZone(hostname, name) {
			continue
		}
		if !found || len(name) > len(best.Name) {
			best = z
			found = true
		}
	}
	return best, found
}
