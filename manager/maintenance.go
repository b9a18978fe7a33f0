package manager

import (
	"context"
	"encoding/json"

	"github.com/collabmesh/gateway/entity"
)

// ScheduleMaintenance implements §4.D.5: it starts (or resets, if already
// running) a countdown of minutes, broadcasting a maintenance status to
// every session once a minute, and force-closes every workspace with
// reason "shutdown" when the countdown reaches zero.
func (m *Manager) ScheduleMaintenance(minutes int) {
	m.maintenanceMu.Lock()
	if m.cancelMaintenance != nil {
		m.cancelMaintenance()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelMaintenance = cancel
	m.maintenanceMu.Unlock()

	go m.runMaintenanceCountdown(ctx, minutes)
}

func (m *Manager) runMaintenanceCountdown(ctx context.Context, minutes int) {
	ticker := m.clock.NewTicker(softShutdownTickInterval)
	defer ticker.Stop()

	remaining := minutes
	for remaining > 0 {
		m.broadcastMaintenanceStatus(remaining)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining--
		}
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.workspaces))
	for k := range m.workspaces {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		_ = m.CloseAll(context.Background(), k, "", "shutdown")
	}
}

// broadcastMaintenanceStatus writes a {state: "maintenance", remaining}
// status response to every session in every workspace.
func (m *Manager) broadcastMaintenanceStatus(remaining int) {
	status := entity.StatusResponse("maintenance", map[string]any{"remaining": remaining})
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}

	m.mu.Lock()
	bindings := make([]*entity.SessionBinding, 0, len(m.sessions))
	for _, b := range m.sessions {
		bindings = append(bindings, b)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, b := range bindings {
		b.Session.Mu.Lock()
		binary := b.Session.BinaryMode
		compress := b.Session.UseCompression
		b.Session.Mu.Unlock()
		if _, err := b.Socket.Send(ctx, payload, binary, compress); err != nil {
			_ = b.Socket.Close()
		}
	}
}
