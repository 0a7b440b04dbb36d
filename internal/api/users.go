package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/slink/im-client/internal/model"
)

type usersResponse struct {
	Users map[string]model.User `json:"users"`
}

// FetchUser returns one user.
func (c *Client) FetchUser(ctx context.Context, userID string) (model.User, error) {
	var resp userResponse
	if err := c.do(ctx, "fetch_user", http.MethodGet, "/api/v1/users/"+escape(userID), nil, nil, &resp); err != nil {
		return model.User{}, err
	}
	return resp.User, nil
}

// FetchUsers returns the users with the given ids, keyed by id. Unknown ids
// are absent from the result. No request is made for an empty list.
func (c *Client) FetchUsers(ctx context.Context, userIDs []string) (map[string]model.User, error) {
	if len(userIDs) == 0 {
		return map[string]model.User{}, nil
	}
	query := url.Values{"user_ids": {strings.Join(userIDs, ",")}}

	var resp usersResponse
	if err := c.do(ctx, "fetch_users", http.MethodGet, "/api/v1/users", query, nil, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Users), nil
}

// SearchUsers returns users whose screenname matches query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	var resp struct {
		Users []model.User `json:"users"`
	}
	q := url.Values{"query": {query}}
	if err := c.do(ctx, "search_users", http.MethodGet, "/api/v1/users/search", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func orEmpty[T any](m map[string]T) map[string]T {
	if m == nil {
		return map[string]T{}
	}
	return m
}
