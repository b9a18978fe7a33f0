package entity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type keyType string

// SessionContextKey is the context key under which a session id is stored
// once a request has been routed to its owning session.
const SessionContextKey keyType = "sessionID"

// ContextWithSessionID attaches a session id to ctx, so that downstream
// calls into the pipeline can recover the originating session without it
// being threaded through every function signature.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionContextKey, id)
}

// SessionIDFromContext recovers the session id attached by
// ContextWithSessionID.
func SessionIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(SessionContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("no session id in context")
	}
	return id, nil
}

// Counters tracks request volume by kind. See Stats for the three windows
// that share this shape.
type Counters struct {
	FindCount int64 `json:"findCount"`
	TxCount   int64 `json:"txCount"`
}

// Stats holds the three rolling windows described in the data model:
// Current accumulates since the last roll, Mins5 is a weighted blend of
// roughly the last five minutes, Total is monotone for the session's
// lifetime.
type Stats struct {
	Total   Counters `json:"total"`
	Current Counters `json:"current"`
	Mins5   Counters `json:"mins5"`
}

// PendingRequest is an in-flight request belonging to a session. The
// Requests map on Session is the source of truth for in-flight work.
type PendingRequest struct {
	ID        any
	Params    []byte
	StartTime time.Time
}

// Session is per-connection state. All mutable fields are guarded by Mu;
// callers outside the sessionops/manager packages should not touch them
// directly.
type Session struct {
	Mu sync.Mutex

	ID          string
	CreateTime  time.Time
	LastRequest time.Time
	User        string
	Workspace   WorkspaceID

	Requests map[string]*PendingRequest
	Stats    Stats

	BinaryMode      bool
	UseCompression  bool
	UseBroadcast    bool
	WorkspaceClosed bool
	UpgradeClient   bool

	stopStats func()
}

// NewSession constructs a Session in its initial, unattached state.
func NewSession(id string, user string, workspace WorkspaceID, upgradeClient bool) *Session {
	return &Session{
		ID:           id,
		CreateTime:   time.Now(),
		User:         user,
		Workspace:    workspace,
		Requests:     make(map[string]*PendingRequest),
		UseBroadcast: true,
		UpgradeClient: upgradeClient,
	}
}

// SetStopStats records the shutdown hook for the session's stats-rolling
// goroutine so it can be stopped exactly once, through StopStats, when the
// session is destroyed.
func (s *Session) SetStopStats(stop func()) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.stopStats = stop
}

// StopStats stops the stats-rolling goroutine, if one was started.
func (s *Session) StopStats() {
	s.Mu.Lock()
	stop := s.stopStats
	s.stopStats = nil
	s.Mu.Unlock()
	if stop != nil {
		stop()
	}
}

// IsUpgradeClient reports whether this session's token carried the upgrade
// role. Upgrade clients bypass the workspace upgrade admission guard and
// are excluded from broadcasts.
func (s *Session) IsUpgradeClient() bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.UpgradeClient
}
