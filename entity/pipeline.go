package entity

import (
	"context"
	"encoding/json"
)

// BroadcastMessage is what a Pipeline hands back to the manager's broadcast
// entry point when it wants to push a change to interested peers.
type BroadcastMessage struct {
	// From is the session id that originated the change, if any. The
	// manager excludes this session from the fan-out.
	From string
	// Workspace identifies which workspace's sessions to enumerate.
	Workspace string
	// Response is the frame written through each target socket.
	Response Response
	// Target, if non-empty, restricts the fan-out to sessions whose User
	// is in this set.
	Target map[string]struct{}
}

// BroadcastFunc is handed to a Pipeline at construction time so it can push
// changes back into the manager without holding a reference to it.
type BroadcastFunc func(BroadcastMessage)

// Pipeline is the opaque per-workspace domain engine. The gateway never
// interprets query/params/result payloads; they are threaded through as
// raw JSON.
type Pipeline interface {
	FindAll(ctx context.Context, class string, query json.RawMessage, options json.RawMessage) (json.RawMessage, error)
	Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)
	// Close releases any resources held by the pipeline. Called once, when
	// its owning workspace tears down.
	Close(ctx context.Context) error
}

// PipelineFactory constructs the Pipeline for a workspace. The manager
// invokes it once when a Workspace boots, and once more on the same
// Workspace for each upgrade swap (manager.ForceClose). upgrade is true when
// this construction is replacing a pipeline as part of an upgrade rather
// than booting fresh.
type PipelineFactory func(ctx context.Context, workspace WorkspaceID, upgrade bool, broadcast BroadcastFunc) (Pipeline, error)
