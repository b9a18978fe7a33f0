package entity

import (
	"context"
	"sync"
)

// WorkspaceState enumerates the lifecycle states from the state-machine
// design note in §4.D.
type WorkspaceState int

const (
	// StateBooting: pipeline factory has been invoked and has not yet
	// resolved.
	StateBooting WorkspaceState = iota
	// StateReady: pipeline resolved successfully; sessions may attach.
	StateReady
	// StateUpgrading: non-upgrade sessions are being evicted ahead of a
	// pipeline swap.
	StateUpgrading
	// StateClosing: the workspace is tearing down; closing is in flight.
	StateClosing
	// StateGone: fully torn down and removed from the registry.
	StateGone
)

// SocketSender is the minimal surface of socket.ConnectionSocket that the
// entity package needs, avoiding an import cycle between entity and socket.
type SocketSender interface {
	Send(ctx context.Context, message []byte, binary, compress bool) (int, error)
	Close() error
}

// SessionBinding pairs a Session with the socket currently serving it. This
// is the value type stored in both the workspace's session map and the
// manager's flat index; the two must always agree.
type SessionBinding struct {
	Session *Session
	Socket  SocketSender
}

// Workspace is the per-workspace aggregate described in §3: a shared
// pipeline handle, the set of attached sessions, and the upgrade/backup/
// closing flags. Behavior lives in the manager package; this type is a
// passive record guarded by Mu.
type Workspace struct {
	Mu sync.Mutex

	ID       WorkspaceID
	State    WorkspaceState
	Pipeline *PipelineFuture

	Sessions map[string]*SessionBinding

	Upgrade bool
	Backup  bool

	// Closing is non-nil while a closeAll is in flight; it is closed when
	// teardown completes. Concurrent addSession calls observe this and
	// await it before retrying.
	Closing chan struct{}

	// SoftShutdownTicks is not updated by the manager: the soft-shutdown
	// countdown runs in the manager's own timer goroutine, started when the
	// workspace becomes empty. CancelSoftShutdown stops that goroutine and
	// is called whenever a session attaches.
	SoftShutdownTicks int
	CancelSoftShutdown func()
}

// NewWorkspace constructs an empty, booting Workspace.
func NewWorkspace(id WorkspaceID) *Workspace {
	return &Workspace{
		ID:       id,
		State:    StateBooting,
		Pipeline: NewPipelineFuture(),
		Sessions: make(map[string]*SessionBinding),
	}
}

// IsClosing reports whether a teardown is currently in flight.
func (w *Workspace) IsClosing() bool {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return w.Closing != nil
}

// PipelineFuture is a single-flight, awaitable handle over the pipeline
// constructor result. Multiple concurrent addSession calls share the one
// in-flight construction; see Design Note "Pipeline future."
type PipelineFuture struct {
	once sync.Once
	done chan struct{}
	pipe Pipeline
	err  error
}

// NewPipelineFuture returns an unresolved future.
func NewPipelineFuture() *PipelineFuture {
	return &PipelineFuture{done: make(chan struct{})}
}

// Resolve settles the future. Only the first call has any effect; it is the
// caller's responsibility to ensure only the goroutine that started the
// construction calls Resolve.
func (f *PipelineFuture) Resolve(pipe Pipeline, err error) {
	f.once.Do(func() {
		f.pipe = pipe
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *PipelineFuture) Wait(ctx context.Context) (Pipeline, error) {
	select {
	case <-f.done:
		return f.pipe, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the future has resolved without blocking.
func (f *PipelineFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
