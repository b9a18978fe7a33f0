package auth

import (
	"context"
	"testing"
	"time"

	"github.com/collabmesh/gateway/entity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key"

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

func TestNewJWTVerifierRequiresIssuerAndKey(t *testing.T) {
	_, err := NewJWTVerifier(JWTConfig{SigningKey: []byte(testSigningKey)})
	assert.Error(t, err)

	_, err = NewJWTVerifier(JWTConfig{Issuer: "gateway"})
	assert.Error(t, err)
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Issuer: "gateway", SigningKey: []byte(testSigningKey)})
	require.NoError(t, err)

	raw := signToken(t, struct {
		AccountEmail string             `json:"accountEmail"`
		Workspace    entity.WorkspaceID `json:"workspace"`
		Extra        *entity.TokenExtra `json:"extra,omitempty"`
		jwt.RegisteredClaims
	}{
		AccountEmail: "a@example.com",
		Workspace:    entity.WorkspaceID{Name: "acme", ProductID: "prod"},
		Extra:        &entity.TokenExtra{Admin: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gateway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	tok, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", tok.AccountEmail)
	assert.Equal(t, "acme", tok.Workspace.Name)
	assert.True(t, tok.IsAdmin())
}

func TestJWTVerifierRejectsWrongIssuer(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Issuer: "gateway", SigningKey: []byte(testSigningKey)})
	require.NoError(t, err)

	raw := signToken(t, struct {
		AccountEmail string             `json:"accountEmail"`
		Workspace    entity.WorkspaceID `json:"workspace"`
		jwt.RegisteredClaims
	}{
		AccountEmail:     "a@example.com",
		Workspace:        entity.WorkspaceID{Name: "acme"},
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})

	_, err = v.Verify(context.Background(), raw)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsMissingAccountEmail(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Issuer: "gateway", SigningKey: []byte(testSigningKey)})
	require.NoError(t, err)

	raw := signToken(t, struct {
		Workspace entity.WorkspaceID `json:"workspace"`
		jwt.RegisteredClaims
	}{
		Workspace:        entity.WorkspaceID{Name: "acme"},
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "gateway"},
	})

	_, err = v.Verify(context.Background(), raw)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsBadSignature(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Issuer: "gateway", SigningKey: []byte(testSigningKey)})
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, struct {
		AccountEmail string             `json:"accountEmail"`
		Workspace    entity.WorkspaceID `json:"workspace"`
		jwt.RegisteredClaims
	}{
		AccountEmail:     "a@example.com",
		Workspace:        entity.WorkspaceID{Name: "acme"},
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "gateway"},
	})
	raw, err := tok.SignedString([]byte("wrong-key"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	assert.Error(t, err)
}
