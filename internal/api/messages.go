package api

import (
	"context"
	"net/http"

	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/protocol"
)

// FetchMessages returns a channel's messages keyed by id. The listing may be
// older than pushes already applied, so callers merge it rather than replace.
func (c *Client) FetchMessages(ctx context.Context, channelID string) (map[string]model.Message, error) {
	var resp struct {
		Messages map[string]model.Message `json:"messages"`
	}
	path := "/api/v1/channels/" + escape(channelID) + "/messages"
	if err := c.do(ctx, "fetch_messages", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Messages), nil
}

// CreateMessage posts a message over HTTP. The server also pushes it to the
// channel stream.
func (c *Client) CreateMessage(ctx context.Context, channelID, body string) (model.Message, error) {
	var resp struct {
		Message model.Message `json:"message"`
	}
	path := "/api/v1/channels/" + escape(channelID) + "/messages"
	req := protocol.OutgoingMessage{Body: body}
	if err := c.do(ctx, "create_message", http.MethodPost, path, nil, req, &resp); err != nil {
		return model.Message{}, err
	}
	return resp.Message, nil
}

// FetchSubscriptions returns the signed-in user's channel subscriptions keyed
// by id. The result is a complete listing.
func (c *Client) FetchSubscriptions(ctx context.Context) (map[string]model.Subscription, error) {
	var resp struct {
		Subscriptions map[string]model.Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, "fetch_subscriptions", http.MethodGet, "/api/v1/subscriptions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Subscriptions), nil
}
