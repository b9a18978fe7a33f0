// Package accounts models the account service as an external collaborator
// consumed only via URL for redirect (spec.md §1) — no RPC calls are made
// from the gateway itself.
package accounts

import (
	"fmt"
	"net/url"
)

// Client builds redirect URLs into the accounts service.
type Client interface {
	InviteURL(workspaceName, email string) string
	WorkspaceManageURL(workspaceName string) string
}

// HTTPClient is a thin net/url-based builder over a configured base URL.
type HTTPClient struct {
	base *url.URL
}

// NewHTTPClient constructs a Client rooted at baseURL.
func NewHTTPClient(baseURL string) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing accounts service url: %w", err)
	}
	return &HTTPClient{base: u}, nil
}

// InviteURL returns the link an operator would send to invite email into
// workspaceName.
func (c *HTTPClient) InviteURL(workspaceName, email string) string {
	u := *c.base
	u.Path = "/invites"
	q := u.Query()
	q.Set("workspace", workspaceName)
	q.Set("email", email)
	u.RawQuery = q.Encode()
	return u.String()
}

// WorkspaceManageURL returns the link to the workspace's management page.
func (c *HTTPClient) WorkspaceManageURL(workspaceName string) string {
	u := *c.base
	u.Path = "/workspaces/" + workspaceName
	u.RawPath = "/workspaces/" + url.PathEscape(workspaceName)
	return u.String()
}

var _ Client = (*HTTPClient)(nil)
