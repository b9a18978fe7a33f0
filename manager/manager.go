// Package manager implements the SessionManager: the two-level registry of
// workspaces and sessions, add/close/broadcast, and upgrade and maintenance
// orchestration (spec.md §4.D).
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/collabmesh/gateway/entity"
	"github.com/collabmesh/gateway/internal/clock"
	"github.com/collabmesh/gateway/internal/metrics"
	"github.com/collabmesh/gateway/sessionops"
	"github.com/gofrs/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const _idleSoftShutdownTicksKey = "workspace.idleSoftShutdownTicks"

// softShutdownTickInterval is the period of one soft-shutdown tick.
const softShutdownTickInterval = time.Minute

// AddSessionResult is returned by AddSession. Upgrade is set, with Ops/
// Session nil, when the caller must be told to reconnect with the upgrade
// role instead of being admitted.
type AddSessionResult struct {
	Upgrade bool
	Session *entity.Session
	Ops     *sessionops.Ops
}

// Manager is the SessionManager: it owns the workspace registry and the
// flat session index, and is the only place that mutates either.
type Manager struct {
	mu         sync.Mutex
	workspaces map[string]*entity.Workspace
	sessions   map[string]*entity.SessionBinding

	pipelineFactory entity.PipelineFactory
	clock           clock.Clock
	logger          *zap.SugaredLogger
	scope           tally.Scope
	idleTicks       int

	maintenanceMu     sync.Mutex
	cancelMaintenance func()
}

// Params are the fx-injected dependencies for New.
type Params struct {
	fx.In

	Lifecycle       fx.Lifecycle
	Config          config.Provider
	Logger          *zap.SugaredLogger
	Scope           tally.Scope
	PipelineFactory entity.PipelineFactory
}

// Module provides a *Manager to the fx graph.
var Module = fx.Options(fx.Provide(New))

// New constructs a Manager. It reads workspace.idleSoftShutdownTicks from
// config, defaulting to 5 when unset.
func New(p Params) (*Manager, error) {
	ticks := 5
	if err := p.Config.Get(_idleSoftShutdownTicksKey).Populate(&ticks); err != nil || ticks == 0 {
		ticks = 5
	}

	m := &Manager{
		workspaces:      make(map[string]*entity.Workspace),
		sessions:        make(map[string]*entity.SessionBinding),
		pipelineFactory: p.PipelineFactory,
		clock:           clock.New(),
		logger:          p.Logger,
		scope:           p.Scope,
		idleTicks:       ticks,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			m.closeEverything(ctx)
			return nil
		},
	})

	return m, nil
}

// AddSession implements §4.D.1. It looks up or creates the session's
// workspace, observes an in-flight close and retries once, enforces the
// upgrade admission guard, awaits the pipeline, and inserts the new session
// into both registries.
func (m *Manager) AddSession(ctx context.Context, token *entity.Token, socket entity.SocketSender, sessionIDHint string) (*AddSessionResult, error) {
	return m.addSession(ctx, token, socket, sessionIDHint, false)
}

func (m *Manager) addSession(ctx context.Context, token *entity.Token, socket entity.SocketSender, sessionIDHint string, retried bool) (*AddSessionResult, error) {
	key := token.Workspace.Canonical()

	m.mu.Lock()
	ws, exists := m.workspaces[key]
	if !exists {
		ws = entity.NewWorkspace(token.Workspace)
		m.workspaces[key] = ws
		go m.bootPipeline(ws)
	}
	m.mu.Unlock()

	ws.Mu.Lock()
	closing := ws.Closing
	ws.Mu.Unlock()
	if closing != nil {
		if retried {
			return nil, fmt.Errorf("workspace %q did not finish closing", key)
		}
		select {
		case <-closing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.addSession(ctx, token, socket, sessionIDHint, true)
	}

	ws.Mu.Lock()
	if ws.Upgrade && !token.IsUpgradeClient() {
		ws.Mu.Unlock()
		return &AddSessionResult{Upgrade: true}, nil
	}
	future := ws.Pipeline
	ws.Mu.Unlock()

	pipe, err := future.Wait(ctx)
	if err != nil {
		if future.Ready() {
			// The factory itself rejected construction, not just this
			// caller's context expiring: the future is resolved and
			// permanently wedged, so the workspace must come down with it
			// rather than serve the same cached error to every future
			// addSession call.
			m.mu.Lock()
			if m.workspaces[key] == ws {
				delete(m.workspaces, key)
			}
			m.mu.Unlock()
			ws.Mu.Lock()
			ws.State = entity.StateGone
			ws.Mu.Unlock()
		}
		return nil, fmt.Errorf("awaiting pipeline: %w", err)
	}
	_ = pipe

	sessionID := sessionIDHint
	if sessionID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		sessionID = id.String()
	}

	session := entity.NewSession(sessionID, token.AccountEmail, token.Workspace, token.IsUpgradeClient())
	ops := sessionops.New(session, ws, m.clock)

	binding := &entity.SessionBinding{Session: session, Socket: socket}

	ws.Mu.Lock()
	if previous, ok := ws.Sessions[sessionID]; ok {
		// Reconnect: evict the stale binding before installing the new one.
		_ = previous.Socket.Close()
	}
	ws.Sessions[sessionID] = binding
	if ws.CancelSoftShutdown != nil {
		ws.CancelSoftShutdown()
		ws.CancelSoftShutdown = nil
	}
	ws.Mu.Unlock()

	m.mu.Lock()
	m.sessions[sessionID] = binding
	m.mu.Unlock()

	m.setActiveGauges()

	return &AddSessionResult{Session: session, Ops: ops}, nil
}

// NewForTest constructs a Manager without going through fx, for use by
// other packages' tests (e.g. frontend) that need a real Manager wired to a
// concrete pipeline factory rather than a mock.
func NewForTest(factory entity.PipelineFactory) *Manager {
	return &Manager{
		workspaces:      make(map[string]*entity.Workspace),
		sessions:        make(map[string]*entity.SessionBinding),
		pipelineFactory: factory,
		clock:           clock.New(),
		logger:          zap.NewNop().Sugar(),
		idleTicks:       5,
	}
}

// bootPipeline invokes the pipeline factory for ws and resolves its future.
// It runs without holding any manager or workspace lock, per §4.D.1 step 2.
func (m *Manager) bootPipeline(ws *entity.Workspace) {
	pipe, err := m.pipelineFactory(context.Background(), ws.ID, false, m.Broadcast)
	ws.Pipeline.Resolve(pipe, err)
	if err == nil {
		ws.Mu.Lock()
		ws.State = entity.StateReady
		ws.Mu.Unlock()
		return
	}

	if m.logger != nil {
		m.logger.Errorw("pipeline factory failed", "workspace", ws.ID.Canonical(), "error", err)
	}

	key := ws.ID.Canonical()
	m.mu.Lock()
	if m.workspaces[key] == ws {
		delete(m.workspaces, key)
	}
	m.mu.Unlock()
	ws.Mu.Lock()
	ws.State = entity.StateGone
	ws.Mu.Unlock()
}

// Close implements §4.D.2: it removes sessionID from both registries and,
// if its workspace is now empty, starts a soft-shutdown timer.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	binding, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	binding.Session.Mu.Lock()
	workspaceID := binding.Session.Workspace
	binding.Session.WorkspaceClosed = true
	binding.Session.Mu.Unlock()
	binding.Session.StopStats()

	key := workspaceID.Canonical()

	m.mu.Lock()
	ws, exists := m.workspaces[key]
	m.mu.Unlock()
	if !exists {
		return
	}

	ws.Mu.Lock()
	delete(ws.Sessions, sessionID)
	empty := len(ws.Sessions) == 0
	if empty {
		if ws.CancelSoftShutdown != nil {
			ws.CancelSoftShutdown()
		}
		timerCtx, cancel := context.WithCancel(context.Background())
		ws.CancelSoftShutdown = cancel
		go m.runSoftShutdownTimer(timerCtx, key)
	}
	ws.Mu.Unlock()

	m.setActiveGauges()
}

// runSoftShutdownTimer counts down idleTicks one-minute ticks; if it is not
// cancelled first (by a new session attaching), it triggers closeAll with
// reason "shutdown".
func (m *Manager) runSoftShutdownTimer(ctx context.Context, workspaceKey string) {
	remaining := m.idleTicks
	ticker := m.clock.NewTicker(softShutdownTickInterval)
	defer ticker.Stop()
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining--
		}
	}
	_ = m.CloseAll(context.Background(), workspaceKey, "", "shutdown")
}

// CloseAll implements §4.D.3: it tears a workspace down, closing every
// session's socket except ignoreSessionID's, awaiting pipeline termination,
// and removing the workspace from the registry.
func (m *Manager) CloseAll(ctx context.Context, workspaceKey, ignoreSessionID, reason string) error {
	m.mu.Lock()
	ws, exists := m.workspaces[workspaceKey]
	m.mu.Unlock()
	if !exists {
		return nil
	}

	ws.Mu.Lock()
	if ws.Closing != nil {
		closing := ws.Closing
		ws.Mu.Unlock()
		<-closing
		return nil
	}
	if ws.Upgrade {
		// A ForceClose upgrade swap is in flight on this workspace; let it
		// finish rather than tearing the workspace down out from under it.
		ws.Mu.Unlock()
		return nil
	}
	ws.Closing = make(chan struct{})
	ws.State = entity.StateClosing
	snapshot := make(map[string]*entity.SessionBinding, len(ws.Sessions))
	for id, b := range ws.Sessions {
		snapshot[id] = b
	}
	ws.Sessions = make(map[string]*entity.SessionBinding)
	future := ws.Pipeline
	ws.Mu.Unlock()

	var closeErr error
	for id, b := range snapshot {
		if id == ignoreSessionID {
			continue
		}
		b.Session.StopStats()
		if err := b.Socket.Close(); err != nil {
			closeErr = multierr.Append(closeErr, fmt.Errorf("closing socket for session %s: %w", id, err))
		}

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}

	if pipe, err := future.Wait(ctx); err == nil && pipe != nil {
		if err := pipe.Close(ctx); err != nil {
			closeErr = multierr.Append(closeErr, fmt.Errorf("closing pipeline for workspace %s: %w", workspaceKey, err))
		}
	}

	m.mu.Lock()
	delete(m.workspaces, workspaceKey)
	m.mu.Unlock()

	ws.Mu.Lock()
	ws.State = entity.StateGone
	close(ws.Closing)
	ws.Mu.Unlock()

	m.setActiveGauges()
	if closeErr != nil && m.logger != nil {
		m.logger.Debugw("closeAll completed with errors", "workspace", workspaceKey, "reason", reason, "error", closeErr)
	}
	return closeErr
}

// ForceClose implements §4.D.6's upgrade flow: Ready transitions to
// Upgrading, every non-upgrade-role session is quiesced with an
// "upgrading" status frame and evicted, the pipeline is swapped for a
// freshly booted one, and the workspace resumes at Ready. Upgrade-role
// sessions stay attached throughout; a concurrent non-upgrade AddSession
// observes Upgrade=true during the window and gets {upgrade:true}
// instead of being admitted, per the admission guard in addSession.
func (m *Manager) ForceClose(ctx context.Context, workspaceKey string) error {
	m.mu.Lock()
	ws, exists := m.workspaces[workspaceKey]
	m.mu.Unlock()
	if !exists {
		return nil
	}

	ws.Mu.Lock()
	if ws.Upgrade || ws.Closing != nil {
		ws.Mu.Unlock()
		return nil
	}
	ws.Upgrade = true
	ws.State = entity.StateUpgrading
	oldFuture := ws.Pipeline

	evict := make(map[string]*entity.SessionBinding)
	keep := make(map[string]*entity.SessionBinding)
	for id, b := range ws.Sessions {
		b.Session.Mu.Lock()
		upgradeRole := b.Session.UpgradeClient
		b.Session.Mu.Unlock()
		if upgradeRole {
			keep[id] = b
		} else {
			evict[id] = b
		}
	}
	ws.Sessions = keep
	ws.Mu.Unlock()

	var closeErr error

	statusPayload, err := json.Marshal(entity.StatusResponse("upgrading", nil))
	if err != nil {
		closeErr = multierr.Append(closeErr, fmt.Errorf("marshaling upgrading status: %w", err))
		statusPayload = nil
	}

	for id, b := range evict {
		b.Session.StopStats()
		if statusPayload != nil {
			_, _ = b.Socket.Send(ctx, statusPayload, false, false)
		}
		if err := b.Socket.Close(); err != nil {
			closeErr = multierr.Append(closeErr, fmt.Errorf("closing socket for session %s: %w", id, err))
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}
	m.setActiveGauges()

	if pipe, err := oldFuture.Wait(ctx); err == nil && pipe != nil {
		if err := pipe.Close(ctx); err != nil {
			closeErr = multierr.Append(closeErr, fmt.Errorf("closing pipeline for workspace %s: %w", workspaceKey, err))
		}
	}

	newFuture := entity.NewPipelineFuture()
	ws.Mu.Lock()
	ws.Pipeline = newFuture
	ws.Mu.Unlock()

	pipe, err := m.pipelineFactory(context.Background(), ws.ID, true, m.Broadcast)
	newFuture.Resolve(pipe, err)
	if err != nil {
		closeErr = multierr.Append(closeErr, fmt.Errorf("booting upgraded pipeline for workspace %s: %w", workspaceKey, err))
		m.mu.Lock()
		if m.workspaces[workspaceKey] == ws {
			delete(m.workspaces, workspaceKey)
		}
		m.mu.Unlock()
		ws.Mu.Lock()
		ws.State = entity.StateGone
		ws.Mu.Unlock()
		m.setActiveGauges()
		if m.logger != nil {
			m.logger.Errorw("upgrade pipeline boot failed", "workspace", workspaceKey, "error", err)
		}
		return closeErr
	}

	ws.Mu.Lock()
	ws.Upgrade = false
	ws.State = entity.StateReady
	ws.Mu.Unlock()

	if closeErr != nil && m.logger != nil {
		m.logger.Debugw("forceClose completed with errors", "workspace", workspaceKey, "error", closeErr)
	}
	return closeErr
}

// Broadcast implements §4.D.4. It is passed directly as the
// entity.BroadcastFunc given to the pipeline factory.
func (m *Manager) Broadcast(msg entity.BroadcastMessage) {
	m.mu.Lock()
	ws, exists := m.workspaces[msg.Workspace]
	m.mu.Unlock()
	if !exists {
		return
	}

	ws.Mu.Lock()
	targets := make([]*entity.SessionBinding, 0, len(ws.Sessions))
	for _, b := range ws.Sessions {
		targets = append(targets, b)
	}
	ws.Mu.Unlock()

	ctx := context.Background()
	for _, b := range targets {
		b.Session.Mu.Lock()
		id := b.Session.ID
		useBroadcast := b.Session.UseBroadcast
		upgradeClient := b.Session.UpgradeClient
		user := b.Session.User
		binary := b.Session.BinaryMode
		compress := b.Session.UseCompression
		b.Session.Mu.Unlock()

		if id == msg.From || !useBroadcast || upgradeClient {
			continue
		}
		if msg.Target != nil {
			if _, ok := msg.Target[user]; !ok {
				continue
			}
		}

		payload, err := json.Marshal(msg.Response)
		if err != nil {
			if m.logger != nil {
				m.logger.Errorw("marshaling broadcast", "error", err)
			}
			continue
		}

		if _, err := b.Socket.Send(ctx, payload, binary, compress); err != nil {
			if m.logger != nil {
				m.logger.Warnw("broadcast write failed, closing socket", "session", id, "error", err)
			}
			_ = b.Socket.Close()
			continue
		}
	}
}

// setActiveGauges reports the process-wide connection/workspace gauges.
func (m *Manager) setActiveGauges() {
	if m.scope == nil {
		return
	}
	m.mu.Lock()
	sessions := len(m.sessions)
	workspaces := len(m.workspaces)
	m.mu.Unlock()
	metrics.SetActiveConnections(m.scope, sessions)
	metrics.SetActiveWorkspaces(m.scope, workspaces)
}

// closeEverything tears down every workspace, used on process shutdown.
func (m *Manager) closeEverything(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.workspaces))
	for k := range m.workspaces {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		_ = m.CloseAll(ctx, k, "", "shutdown")
	}
}
