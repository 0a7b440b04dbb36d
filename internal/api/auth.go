package api

import (
	"context"
	"net/http"

	"github.com/slink/im-client/internal/model"
)

// Credentials identify an account.
type Credentials struct {
	Screenname string `json:"screenname"`
	Password   string `json:"password"`
}

type userResponse struct {
	User model.User `json:"user"`
}

// Login starts a session. The session cookie is kept for later calls and for
// push subscriptions opened through Connector.
func (c *Client) Login(ctx context.Context, creds Credentials) (model.User, error) {
	var resp userResponse
	if err := c.do(ctx, "login", http.MethodPost, "/api/v1/session", nil, creds, &resp); err != nil {
		return model.User{}, err
	}
	return resp.User, nil
}

// SignUp creates an account and starts a session for it.
func (c *Client) SignUp(ctx context.Context, creds Credentials) (model.User, error) {
	var resp userResponse
	if err := c.do(ctx, "sign_up", http.MethodPost, "/api/v1/users", nil, creds, &resp); err != nil {
		return model.User{}, err
	}
	return resp.User, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodDelete, "/api/v1/session", nil, nil, nil)
}

// CurrentUser returns the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	var resp userResponse
	if err := c.do(ctx, "current_user", http.MethodGet, "/api/v1/user", nil, nil, &resp); err != nil {
		return model.User{}, err
	}
	return resp.User, nil
}
