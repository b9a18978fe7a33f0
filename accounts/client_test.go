package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClientRejectsInvalidURL(t *testing.T) {
	_, err := NewHTTPClient("://bad-url")
	assert.Error(t, err)
}

func TestInviteURLEncodesWorkspaceAndEmail(t *testing.T) {
	c, err := NewHTTPClient("https://accounts.example.com")
	require.NoError(t, err)

	got := c.InviteURL("acme corp", "a+b@example.com")
	assert.Equal(t, "https://accounts.example.com/invites?email=a%2Bb%40example.com&workspace=acme+corp", got)
}

func TestWorkspaceManageURLEscapesPathSegment(t *testing.T) {
	c, err := NewHTTPClient("https://accounts.example.com")
	require.NoError(t, err)

	got := c.WorkspaceManageURL("acme/corp")
	assert.Equal(t, "https://accounts.example.com/workspaces/acme%2Fcorp", got)
}
