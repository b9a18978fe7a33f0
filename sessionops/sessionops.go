// Package sessionops implements the three public session operations —
// ping, findAll, and tx — as well as the rolling-statistics goroutine
// attached to each entity.Session. Operation logic lives here rather than
// as entity.Session methods so entity stays a plain data holder, following
// the teacher's entity/controller split.
package sessionops

import (
	"context"
	"fmt"
	"time"

	"github.com/collabmesh/gateway/entity"
	"github.com/collabmesh/gateway/internal/clock"
)

// statsRollInterval is how often Current folds into Mins5 and resets. The
// 0.8/0.2 blend approximates a 5-minute exponential window at this period.
const statsRollInterval = time.Minute

// Ops binds a Session to the Workspace (and, through it, the pipeline
// future) it belongs to, and is the only seam through which the three
// public operations run.
type Ops struct {
	session   *entity.Session
	workspace *entity.Workspace
	clock     clock.Clock
}

// New constructs Ops for session within workspace and starts its
// stats-rolling goroutine, registering the goroutine's stop function on
// the session via session.SetStopStats.
func New(session *entity.Session, workspace *entity.Workspace, c clock.Clock) *Ops {
	if c == nil {
		c = clock.New()
	}
	ops := &Ops{session: session, workspace: workspace, clock: c}

	stopCh := make(chan struct{})
	go ops.rollStats(stopCh)
	session.SetStopStats(func() { close(stopCh) })

	return ops
}

// rollStats runs until stopCh is closed, folding Current into Mins5 every
// statsRollInterval via the spec's 0.8/0.2 exponential blend and resetting
// Current to zero.
func (o *Ops) rollStats(stopCh <-chan struct{}) {
	ticker := o.clock.NewTicker(statsRollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			o.session.Mu.Lock()
			o.session.Stats.Mins5.FindCount = int64(0.8*float64(o.session.Stats.Mins5.FindCount) + 0.2*float64(o.session.Stats.Current.FindCount))
			o.session.Stats.Mins5.TxCount = int64(0.8*float64(o.session.Stats.Mins5.TxCount) + 0.2*float64(o.session.Stats.Current.TxCount))
			o.session.Stats.Current.FindCount = 0
			o.session.Stats.Current.TxCount = 0
			o.session.Mu.Unlock()
		}
	}
}

// beginRequest stamps lastRequest and records id as in-flight; the returned
// finish func must be called exactly once, on completion or cancellation,
// to remove it again.
func (o *Ops) beginRequest(id any, params []byte) func() {
	o.session.Mu.Lock()
	o.session.LastRequest = time.Now()
	key := fmt.Sprintf("%v", id)
	o.session.Requests[key] = &entity.PendingRequest{ID: id, Params: params, StartTime: time.Now()}
	o.session.Mu.Unlock()

	return func() {
		o.session.Mu.Lock()
		delete(o.session.Requests, key)
		o.session.Mu.Unlock()
	}
}

// IsWorkspaceUpgrading reports whether the session's workspace is currently
// mid-upgrade, per §4.E's "Requests observed during Workspace.upgrade=true"
// rule.
func (o *Ops) IsWorkspaceUpgrading() bool {
	o.workspace.Mu.Lock()
	defer o.workspace.Mu.Unlock()
	return o.workspace.Upgrade
}

// Ping is a liveness check: it touches lastRequest and echoes the session
// id back as the liveness token, without reaching the pipeline.
func (o *Ops) Ping(ctx context.Context) (string, error) {
	finish := o.beginRequest("ping", nil)
	defer finish()

	o.session.Mu.Lock()
	o.session.LastRequest = time.Now()
	id := o.session.ID
	o.session.Mu.Unlock()

	return id, nil
}

// FindAll delegates to the workspace's pipeline, awaiting it if still
// booting, and increments the session's find counter.
func (o *Ops) FindAll(ctx context.Context, id any, class string, query, options []byte) ([]byte, error) {
	finish := o.beginRequest(id, query)
	defer finish()

	pipe, err := o.workspace.Pipeline.Wait(ctx)
	if err != nil {
		return nil, err
	}

	ctx = entity.ContextWithSessionID(ctx, o.session.ID)
	result, err := pipe.FindAll(ctx, class, query, options)
	if err != nil {
		return nil, err
	}

	o.session.Mu.Lock()
	o.session.Stats.Current.FindCount++
	o.session.Stats.Total.FindCount++
	o.session.Mu.Unlock()

	return result, nil
}

// Tx delegates a transaction to the workspace's pipeline and increments the
// session's tx counter. The pipeline call carries the session id in ctx so
// a resulting broadcast can exclude its own originator.
func (o *Ops) Tx(ctx context.Context, id any, tx []byte) ([]byte, error) {
	finish := o.beginRequest(id, tx)
	defer finish()

	pipe, err := o.workspace.Pipeline.Wait(ctx)
	if err != nil {
		return nil, err
	}

	ctx = entity.ContextWithSessionID(ctx, o.session.ID)
	result, err := pipe.Tx(ctx, tx)
	if err != nil {
		return nil, err
	}

	o.session.Mu.Lock()
	o.session.Stats.Current.TxCount++
	o.session.Stats.Total.TxCount++
	o.session.Mu.Unlock()

	return result, nil
}
