package auth

import (
	"context"
	"fmt"

	"github.com/collabmesh/gateway/entity"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the HMAC JWT verifier.
type JWTConfig struct {
	// Issuer is the expected iss claim.
	Issuer string
	// SigningKey is the HMAC key used to verify signatures.
	SigningKey []byte
}

// JWTVerifier validates HMAC-signed tokens issued by the (out of scope)
// token issuer, following the OAuth JWT authenticator pattern used
// elsewhere in the corpus for gateway-style auth.
type JWTVerifier struct {
	cfg JWTConfig
}

// NewJWTVerifier constructs a Verifier backed by github.com/golang-jwt/jwt/v5.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt signing key is required")
	}
	return &JWTVerifier{cfg: cfg}, nil
}

type claims struct {
	AccountEmail string             `json:"accountEmail"`
	Workspace    entity.WorkspaceID `json:"workspace"`
	Extra        *entity.TokenExtra `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates raw, returning the decoded token claims.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (*entity.Token, error) {
	var parsed claims
	token, err := jwt.ParseWithClaims(raw, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if parsed.Issuer != "" && parsed.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: got %q, want %q", parsed.Issuer, v.cfg.Issuer)
	}
	if parsed.AccountEmail == "" {
		return nil, fmt.Errorf("missing accountEmail claim")
	}
	if parsed.Workspace.Name == "" {
		return nil, fmt.Errorf("missing workspace claim")
	}

	return &entity.Token{
		AccountEmail: parsed.AccountEmail,
		Workspace:    parsed.Workspace,
		Extra:        parsed.Extra,
	}, nil
}

var _ Verifier = (*JWTVerifier)(nil)
