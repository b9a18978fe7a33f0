package manager

import (
	"context"
	"runtime"
	"syscall"
	"time"

	"github.com/collabmesh/gateway/entity"
)

// SessionStats is the per-session breakdown exposed to the admin
// statistics view.
type SessionStats struct {
	SessionID string       `json:"sessionId"`
	User      string       `json:"user"`
	Stats     entity.Stats `json:"stats"`
}

// WorkspaceStats is the per-workspace breakdown exposed to the admin
// statistics view (spec.md §6: "a per-workspace breakdown with session
// counts, user ids, upgrade/closing flags, memory and CPU gauges").
//
// PendingRequestBytes is a genuinely workspace-scoped memory indicator:
// the summed size of every in-flight request payload currently parked in
// this workspace's sessions. ProcessCPUSeconds is not: the Go runtime has
// no per-goroutine-group CPU accounting, so it reports the whole
// process's CPU time, duplicated across every workspace in the
// breakdown, rather than a fabricated per-workspace split.
type WorkspaceStats struct {
	WorkspaceID         string         `json:"workspaceId"`
	SessionCount        int            `json:"sessionCount"`
	Upgrade             bool           `json:"upgrade"`
	Closing             bool           `json:"closing"`
	PendingRequestBytes int            `json:"pendingRequestBytes"`
	ProcessCPUSeconds   float64        `json:"processCpuSeconds"`
	Sessions            []SessionStats `json:"sessions"`
}

// ManagerStats is the aggregate /api/v1/statistics payload. Workspaces is
// populated only for admin callers.
type ManagerStats struct {
	SessionCount   int              `json:"sessionCount"`
	WorkspaceCount int              `json:"workspaceCount"`
	GoroutineCount int              `json:"goroutineCount"`
	HeapAllocBytes uint64           `json:"heapAllocBytes"`
	CPUSeconds     float64          `json:"cpuSeconds"`
	ProcessUptime  time.Duration    `json:"processUptime"`
	Workspaces     []WorkspaceStats `json:"workspaces,omitempty"`
}

var startTime = time.Now()

// processCPUSeconds reports total process CPU time (user + system) via
// syscall.Getrusage, the standard library's own process-accounting call —
// no CPU-sampling library appears anywhere in the example pack.
func processCPUSeconds() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return (user + sys).Seconds()
}

// Stats returns the aggregate statistics view. When admin is false, the
// per-workspace breakdown is omitted.
func (m *Manager) Stats(ctx context.Context, admin bool) ManagerStats {
	m.mu.Lock()
	workspaceKeys := make([]string, 0, len(m.workspaces))
	workspacesByKey := make(map[string]*entity.Workspace, len(m.workspaces))
	for k, ws := range m.workspaces {
		workspaceKeys = append(workspaceKeys, k)
		workspacesByKey[k] = ws
	}
	sessionCount := len(m.sessions)
	m.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cpuSeconds := processCPUSeconds()

	result := ManagerStats{
		SessionCount:   sessionCount,
		WorkspaceCount: len(workspaceKeys),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		CPUSeconds:     cpuSeconds,
		ProcessUptime:  time.Since(startTime),
	}

	if !admin {
		return result
	}

	for _, key := range workspaceKeys {
		ws := workspacesByKey[key]
		ws.Mu.Lock()
		wsStats := WorkspaceStats{
			WorkspaceID:       key,
			Upgrade:           ws.Upgrade,
			Closing:           ws.Closing != nil,
			ProcessCPUSeconds: cpuSeconds,
		}
		for _, b := range ws.Sessions {
			b.Session.Mu.Lock()
			wsStats.Sessions = append(wsStats.Sessions, SessionStats{
				SessionID: b.Session.ID,
				User:      b.Session.User,
				Stats:     b.Session.Stats,
			})
			for _, pending := range b.Session.Requests {
				wsStats.PendingRequestBytes += len(pending.Params)
			}
			b.Session.Mu.Unlock()
		}
		wsStats.SessionCount = len(wsStats.Sessions)
		ws.Mu.Unlock()
		result.Workspaces = append(result.Workspaces, wsStats)
	}

	return result
}

// WipeStatistics zeroes every session's counters without disturbing the
// registries (Testable Property scenario 6).
func (m *Manager) WipeStatistics(ctx context.Context) {
	m.mu.Lock()
	bindings := make([]*entity.SessionBinding, 0, len(m.sessions))
	for _, b := range m.sessions {
		bindings = append(bindings, b)
	}
	m.mu.Unlock()

	for _, b := range bindings {
		b.Session.Mu.Lock()
		b.Session.Stats = entity.Stats{}
		b.Session.Mu.Unlock()
	}
}
