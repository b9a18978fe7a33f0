// Package memory is an in-process, map-backed reference implementation of
// entity.Pipeline. It is a demonstration/testing adapter, not a production
// domain engine — the real pipeline is an out-of-scope collaborator
// (spec.md §1).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/collabmesh/gateway/entity"
)

// Pipeline is a trivial key-value engine: Tx upserts {class, id, value}
// documents and emits a broadcast of the change; FindAll returns every
// document of the requested class.
type Pipeline struct {
	mu        sync.Mutex
	documents map[string]map[string]json.RawMessage
	broadcast entity.BroadcastFunc
	workspace entity.WorkspaceID
}

// NewFactory returns an entity.PipelineFactory that constructs Pipeline
// instances, suitable for wiring into the manager for tests and local
// development.
func NewFactory() entity.PipelineFactory {
	return func(ctx context.Context, workspace entity.WorkspaceID, upgrade bool, broadcast entity.BroadcastFunc) (entity.Pipeline, error) {
		return &Pipeline{
			documents: make(map[string]map[string]json.RawMessage),
			broadcast: broadcast,
			workspace: workspace,
		}, nil
	}
}

type txOp struct {
	Class string          `json:"class"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// FindAll returns every document stored under class.
func (p *Pipeline) FindAll(ctx context.Context, class string, query json.RawMessage, options json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := p.documents[class]
	results := make([]json.RawMessage, 0, len(byID))
	for _, v := range byID {
		results = append(results, v)
	}
	return json.Marshal(results)
}

// Tx upserts the given document and broadcasts the change to the
// workspace's other sessions.
func (p *Pipeline) Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	var op txOp
	if err := json.Unmarshal(tx, &op); err != nil {
		return nil, fmt.Errorf("decoding tx: %w", err)
	}
	if op.Class == "" || op.ID == "" {
		return nil, fmt.Errorf("tx requires class and id")
	}

	p.mu.Lock()
	if p.documents[op.Class] == nil {
		p.documents[op.Class] = make(map[string]json.RawMessage)
	}
	p.documents[op.Class][op.ID] = op.Value
	p.mu.Unlock()

	if p.broadcast != nil {
		payload, _ := json.Marshal(map[string]any{
			"class": op.Class,
			"id":    op.ID,
			"value": json.RawMessage(op.Value),
		})
		from, _ := entity.SessionIDFromContext(ctx)
		p.broadcast(entity.BroadcastMessage{
			From:      from,
			Workspace: p.workspace.Canonical(),
			Response:  entity.Response{Result: payload},
		})
	}

	return json.RawMessage(`{"ok":true}`), nil
}

// Close releases resources. The in-memory pipeline holds none.
func (p *Pipeline) Close(ctx context.Context) error {
	return nil
}

var _ entity.Pipeline = (*Pipeline)(nil)
