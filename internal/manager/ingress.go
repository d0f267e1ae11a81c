package manager

import (
	"context"
	"fmt"

	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/events"
	"github.com/hostbound/tunneld/internal/ingress"
)

// UpdateIngress pushes the rule set (the implicit catch-all is appended by
// the control-plane client), re-reads the remote-confirmed configuration as
// the source of truth, persists it, and cycles the process when the tunnel
// is currently running so the new routing takes effect.
func (m *Manager) UpdateIngress(ctx context.Context, id string, rules []domain.IngressRule) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, ok := m.records.Get(id)
	if !ok {
		return domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}
	if err := ingress.ValidateRules(rules); err != nil {
		return err
	}

	if err := m.api.PutConfiguration(ctx, id, rules); err != nil {
		return err
	}
	confirmed, err := m.api.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}

	rec.Ingress = confirmed
	if err := m.records.Save(rec); err != nil {
		return err
	}

	if m.sup.Alive(id) {
		if err := m.sup.Stop(ctx, id); err != nil {
			return err
		}
		if err := m.sup.Start(ctx, rec); err != nil {
			return err
		}
	}

	m.event(ctx, id, events.KindIngressUpdated, fmt.Sprintf("rules=%d", len(confirmed)))
	m.resolver.Resolve(ctx, id, true)
	return nil
}

// SetContainerAssociations replaces the set of service container ids
// associated with a tunnel.  The input is deduplicated; a container id
// already associated with another tunnel fails the whole call atomically.
func (m *Manager) SetContainerAssociations(ctx context.Context, id string, containerIDs []string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.assocMu.Lock()
	defer m.assocMu.Unlock()

	rec, ok := m.records.Get(id)
	if !ok {
		return domain.E(domain.CodeNotFound, "tunnel %q not found", id)
	}

	deduped := dedupe(containerIDs)
	for _, cid := range deduped {
		if cid == "" {
			return domain.E(domain.CodeInvalidArgument, "container id must not be empty")
		}
	}

	for _, other := range m.records.List() {
		if other.ID == id {
			continue
		}
		for _, cid := range deduped {
			if other.HasContainer(cid) {
				return domain.E(domain.CodeConflict,
					"container %q is already associated with tunnel %q", cid, other.Name)
			}
		}
	}

	rec.ContainerIDs = deduped
	return m.records.Save(rec)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
