package manager

import (
	"context"

	"github.com/hostbound/tunneld/internal/domain"
)

// StartAutostarted launches every tunnel whose record is flagged for
// automatic start.  Called once after daemon boot; per-tunnel failures are
// logged and skipped so one broken tunnel cannot block the rest.
func (m *Manager) StartAutostarted(ctx context.Context) {
	for _, rec := range m.records.List() {
		if !rec.AutoStart {
			continue
		}
		if m.sup.State(rec.ID).Status == domain.StatusActive {
			continue
		}
		if err := m.Start(ctx, rec.ID); err != nil {
			m.log.Warn("autostart failed", "tunnel_id", rec.ID, "name", rec.Name, "err", err)
			continue
		}
		m.log.Info("autostarted tunnel", "tunnel_id", rec.ID, "name", rec.Name)
	}
}
