// Package app wires the gateway's fx dependency graph.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/collabmesh/gateway/accounts"
	"github.com/collabmesh/gateway/auth"
	"github.com/collabmesh/gateway/entity"
	"github.com/collabmesh/gateway/frontend"
	"github.com/collabmesh/gateway/internal/core"
	"github.com/collabmesh/gateway/manager"
	"github.com/collabmesh/gateway/pipeline/memory"
	tally "github.com/uber-go/tally/v4"
	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
)

// Module defines the gateway application's fx module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	manager.Module,
	frontend.Module,
	fx.Provide(newRootScope),
	fx.Provide(newVerifier),
	fx.Provide(newAccountsClient),
	fx.Provide(newPipelineFactory),
)

// newRootScope constructs the tally root scope the service reports metrics
// through, following the teacher's app-level scope-with-lifecycle pattern.
func newRootScope(lc fx.Lifecycle) tally.Scope {
	rs, closer := tally.NewRootScope(tally.ScopeOptions{
		Tags: map[string]string{"service": "collabmesh-gateway"},
	}, time.Second)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})

	return rs
}

// newVerifier builds the JWT token verifier from configuration.
func newVerifier(cfg uberconfig.Provider) (auth.Verifier, error) {
	var issuer, signingKey string
	if err := cfg.Get("auth.jwtIssuer").Populate(&issuer); err != nil {
		return nil, fmt.Errorf("reading auth.jwtIssuer: %w", err)
	}
	if err := cfg.Get("auth.jwtSigningKey").Populate(&signingKey); err != nil {
		return nil, fmt.Errorf("reading auth.jwtSigningKey: %w", err)
	}
	return auth.NewJWTVerifier(auth.JWTConfig{Issuer: issuer, SigningKey: []byte(signingKey)})
}

// newAccountsClient builds the accounts-service redirect client.
func newAccountsClient(cfg uberconfig.Provider) (accounts.Client, error) {
	var baseURL string
	if err := cfg.Get("accounts.serviceURL").Populate(&baseURL); err != nil {
		return nil, fmt.Errorf("reading accounts.serviceURL: %w", err)
	}
	return accounts.NewHTTPClient(baseURL)
}

// newPipelineFactory provides the in-memory reference pipeline. Production
// deployments would provide a real domain-engine adapter here instead; the
// pipeline is an out-of-scope external collaborator (spec.md §1).
func newPipelineFactory() entity.PipelineFactory {
	return memory.NewFactory()
}
