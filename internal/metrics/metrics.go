// Package metrics wires the gateway's counters and gauges into a
// github.com/uber-go/tally/v4 root scope. The gateway feeds the metrics
// aggregator; it does not define one itself, per the Non-goals in spec.md.
package metrics

import (
	"context"

	tally "github.com/uber-go/tally/v4"
)

type scopeKeyType string

const scopeKey scopeKeyType = "metricsScope"

// WithScope returns a context carrying the given scope, so that deeply
// nested calls (socket.Send in particular) can record metrics without a
// scope parameter threaded through every signature.
func WithScope(ctx context.Context, scope tally.Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

func scopeFromContext(ctx context.Context) tally.Scope {
	if s, ok := ctx.Value(scopeKey).(tally.Scope); ok && s != nil {
		return s
	}
	return tally.NoopScope
}

// RecordSendBytes records the serialized byte length of an outbound frame
// under the well-known "send-data" counter named in spec.md §4.A.
func RecordSendBytes(ctx context.Context, n int) {
	scopeFromContext(ctx).Counter("send-data").Inc(int64(n))
}

// SetActiveConnections updates the active-connection gauge, mirroring the
// teacher's session repository pattern of a gauge updated on every
// Set/Delete.
func SetActiveConnections(scope tally.Scope, n int) {
	scope.Gauge("active_connections").Update(float64(n))
}

// SetActiveWorkspaces updates the active-workspace gauge.
func SetActiveWorkspaces(scope tally.Scope, n int) {
	scope.Gauge("active_workspaces").Update(float64(n))
}
