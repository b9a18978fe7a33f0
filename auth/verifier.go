// Package auth defines the token-verification port. The authentication
// token issuer itself is an external collaborator (spec.md §1); this
// package only decodes and verifies what it is handed.
package auth

import (
	"context"

	"github.com/collabmesh/gateway/entity"
)

// Verifier decodes and verifies a bearer token string into an entity.Token.
// Implementations do not need to know anything about sessions or
// workspaces beyond what the token claims.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*entity.Token, error)
}
