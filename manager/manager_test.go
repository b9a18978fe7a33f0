package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/collabmesh/gateway/entity"
	"github.com/collabmesh/gateway/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSocket is a hand-rolled fake ConnectionSocket (entity.SocketSender):
// it records every sent frame and can simulate a write failure.
type fakeSocket struct {
	mu     sync.Mutex
	id     string
	sent   []string
	closed bool
	failOn func([]byte) bool
}

func (s *fakeSocket) Send(ctx context.Context, message []byte, binary, compress bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil
	}
	if s.failOn != nil && s.failOn(message) {
		return 0, entityTransportErr{}
	}
	s.sent = append(s.sent, string(message))
	return len(message), nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type entityTransportErr struct{}

func (entityTransportErr) Error() string { return "transport error" }

func newTestManager(t *testing.T, factory entity.PipelineFactory) *Manager {
	t.Helper()
	logger := zap.NewNop().Sugar()
	return &Manager{
		workspaces:      make(map[string]*entity.Workspace),
		sessions:        make(map[string]*entity.SessionBinding),
		pipelineFactory: factory,
		logger:          logger,
		clock:           clock.New(),
		idleTicks:       1,
	}
}

func instantFactory() entity.PipelineFactory {
	return func(ctx context.Context, workspace entity.WorkspaceID, upgrade bool, broadcast entity.BroadcastFunc) (entity.Pipeline, error) {
		return &noopPipeline{}, nil
	}
}

type noopPipeline struct{}

func (noopPipeline) FindAll(ctx context.Context, class string, query, options json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}
func (noopPipeline) Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (noopPipeline) Close(ctx context.Context) error { return nil }

// fastClock speeds up the soft-shutdown/maintenance tickers for tests that
// would otherwise need to wait on real one-minute intervals.
type fastClock struct{}

func (fastClock) Now() time.Time                        { return time.Now() }
func (fastClock) Sleep(d time.Duration)                  { time.Sleep(d / 600) }
func (fastClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d / 600) }

func testToken(workspace string, extra *entity.TokenExtra) *entity.Token {
	return &entity.Token{
		AccountEmail: "user@example.com",
		Workspace:    entity.WorkspaceID{Name: workspace, ProductID: "prod"},
		Extra:        extra,
	}
}

func TestAddSessionCreatesWorkspaceAndSession(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sock := &fakeSocket{}

	result, err := m.AddSession(context.Background(), testToken("acme", nil), sock, "")
	require.NoError(t, err)
	require.False(t, result.Upgrade)
	require.NotNil(t, result.Session)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.workspaces, 1)
	require.Len(t, m.sessions, 1)
}

func TestAddSessionDuringUpgradeIsRefusedForNonUpgradeClient(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sock := &fakeSocket{}

	_, err := m.AddSession(context.Background(), testToken("acme", nil), sock, "")
	require.NoError(t, err)

	m.mu.Lock()
	ws := m.workspaces["acme"]
	m.mu.Unlock()
	ws.Mu.Lock()
	ws.Upgrade = true
	ws.Mu.Unlock()

	result, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.NoError(t, err)
	require.True(t, result.Upgrade)

	upgradeToken := testToken("acme", &entity.TokenExtra{Role: entity.RoleUpgrade})
	result2, err := m.AddSession(context.Background(), upgradeToken, &fakeSocket{}, "")
	require.NoError(t, err)
	require.False(t, result2.Upgrade)
}

func TestCloseRemovesFromBothRegistries(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sock := &fakeSocket{}

	result, err := m.AddSession(context.Background(), testToken("acme", nil), sock, "")
	require.NoError(t, err)

	m.Close(context.Background(), result.Session.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.sessions)
	ws := m.workspaces["acme"]
	require.NotNil(t, ws)
	ws.Mu.Lock()
	defer ws.Mu.Unlock()
	require.Empty(t, ws.Sessions)
}

func TestBroadcastExcludesOriginatorAndUpgradeClients(t *testing.T) {
	m := newTestManager(t, instantFactory())

	sockA := &fakeSocket{}
	sockB := &fakeSocket{}
	sockUpgrade := &fakeSocket{}

	resultA, err := m.AddSession(context.Background(), testToken("acme", nil), sockA, "")
	require.NoError(t, err)
	_, err = m.AddSession(context.Background(), testToken("acme", nil), sockB, "")
	require.NoError(t, err)
	_, err = m.AddSession(context.Background(), testToken("acme", &entity.TokenExtra{Role: entity.RoleUpgrade}), sockUpgrade, "")
	require.NoError(t, err)

	m.Broadcast(entity.BroadcastMessage{
		From:      resultA.Session.ID,
		Workspace: "acme",
		Response:  entity.Response{Result: json.RawMessage(`{"changed":true}`)},
	})

	require.Empty(t, sockA.sent, "originator must not receive its own broadcast")
	require.Len(t, sockB.sent, 1)
	require.Empty(t, sockUpgrade.sent, "upgrade clients must never receive broadcasts")
}

func TestCloseAllClosesAllSocketsExceptIgnored(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sockA := &fakeSocket{}
	sockB := &fakeSocket{}

	resultA, err := m.AddSession(context.Background(), testToken("acme", nil), sockA, "")
	require.NoError(t, err)
	_, err = m.AddSession(context.Background(), testToken("acme", nil), sockB, "")
	require.NoError(t, err)

	err = m.CloseAll(context.Background(), "acme", resultA.Session.ID, "upgrade")
	require.NoError(t, err)

	require.False(t, sockA.closed, "ignored socket must survive closeAll")
	require.True(t, sockB.closed)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.workspaces)
}

func TestWipeStatisticsZeroesCountersWithoutTouchingRegistry(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sock := &fakeSocket{}
	result, err := m.AddSession(context.Background(), testToken("acme", nil), sock, "")
	require.NoError(t, err)

	result.Session.Mu.Lock()
	result.Session.Stats.Total.FindCount = 42
	result.Session.Mu.Unlock()

	m.WipeStatistics(context.Background())

	result.Session.Mu.Lock()
	defer result.Session.Mu.Unlock()
	require.Zero(t, result.Session.Stats.Total.FindCount)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.sessions, 1)
}

func TestForceCloseEvictsNonUpgradeSessionsAndResumes(t *testing.T) {
	m := newTestManager(t, instantFactory())
	sockNonUpgrade := &fakeSocket{}
	sockUpgrade := &fakeSocket{}

	_, err := m.AddSession(context.Background(), testToken("acme", nil), sockNonUpgrade, "")
	require.NoError(t, err)
	resultUpgrade, err := m.AddSession(context.Background(), testToken("acme", &entity.TokenExtra{Role: entity.RoleUpgrade}), sockUpgrade, "")
	require.NoError(t, err)

	err = m.ForceClose(context.Background(), "acme")
	require.NoError(t, err)

	require.True(t, sockNonUpgrade.closed, "non-upgrade session must be evicted")
	require.Contains(t, sockNonUpgrade.sent[0], "upgrading", "evicted session must see an upgrading status frame")
	require.False(t, sockUpgrade.closed, "upgrade-role session must stay attached through the swap")

	m.mu.Lock()
	ws, exists := m.workspaces["acme"]
	m.mu.Unlock()
	require.True(t, exists, "workspace must resume, not be torn down")
	ws.Mu.Lock()
	require.False(t, ws.Upgrade)
	require.Equal(t, entity.StateReady, ws.State)
	_, stillAttached := ws.Sessions[resultUpgrade.Session.ID]
	ws.Mu.Unlock()
	require.True(t, stillAttached)

	result, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.NoError(t, err)
	require.False(t, result.Upgrade, "workspace must accept non-upgrade clients again after resuming")
}

func TestForceCloseRefusesNonUpgradeDuringWindow(t *testing.T) {
	blockFactory := make(chan struct{})
	factory := func(ctx context.Context, workspace entity.WorkspaceID, upgrade bool, broadcast entity.BroadcastFunc) (entity.Pipeline, error) {
		if upgrade {
			<-blockFactory
		}
		return &noopPipeline{}, nil
	}
	m := newTestManager(t, factory)

	_, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.ForceClose(context.Background(), "acme") }()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		ws, exists := m.workspaces["acme"]
		m.mu.Unlock()
		if !exists {
			return false
		}
		ws.Mu.Lock()
		defer ws.Mu.Unlock()
		return ws.Upgrade
	}, time.Second, time.Millisecond)

	result, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.NoError(t, err)
	require.True(t, result.Upgrade, "a non-upgrade client attaching during the upgrade window must be told to upgrade")

	close(blockFactory)
	require.NoError(t, <-done)
}

func TestAddSessionRemovesWorkspaceOnPipelineConstructionFailure(t *testing.T) {
	factoryErr := entityTransportErr{}
	failingFactory := func(ctx context.Context, workspace entity.WorkspaceID, upgrade bool, broadcast entity.BroadcastFunc) (entity.Pipeline, error) {
		return nil, factoryErr
	}
	m := newTestManager(t, failingFactory)

	_, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.Error(t, err)

	m.mu.Lock()
	_, exists := m.workspaces["acme"]
	m.mu.Unlock()
	require.False(t, exists, "a workspace whose pipeline construction failed must not be left registered")

	m.pipelineFactory = instantFactory()
	result, err := m.AddSession(context.Background(), testToken("acme", nil), &fakeSocket{}, "")
	require.NoError(t, err, "a later AddSession must retry construction from scratch")
	require.NotNil(t, result.Session)
}

func TestScheduleMaintenanceForceClosesAtExpiry(t *testing.T) {
	m := newTestManager(t, instantFactory())
	m.clock = fastClock{}
	sock := &fakeSocket{}

	_, err := m.AddSession(context.Background(), testToken("acme", nil), sock, "")
	require.NoError(t, err)

	m.ScheduleMaintenance(1)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.workspaces) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
