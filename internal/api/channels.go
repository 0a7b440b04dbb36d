package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/slink/im-client/internal/model"
)

type channelResponse struct {
	Channel model.Channel `json:"channel"`
}

type channelIDResponse struct {
	ChannelID string `json:"channelID"`
}

// FetchChannels returns the channels the signed-in user is subscribed to.
// The result is a complete listing.
func (c *Client) FetchChannels(ctx context.Context) (map[string]model.Channel, error) {
	var resp struct {
		Channels map[string]model.Channel `json:"channels"`
	}
	if err := c.do(ctx, "fetch_channels", http.MethodGet, "/api/v1/channels", nil, nil, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Channels), nil
}

// FetchChannel returns one channel.
func (c *Client) FetchChannel(ctx context.Context, channelID string) (model.Channel, error) {
	var resp channelResponse
	if err := c.do(ctx, "fetch_channel", http.MethodGet, "/api/v1/channels/"+escape(channelID), nil, nil, &resp); err != nil {
		return model.Channel{}, err
	}
	return resp.Channel, nil
}

// FetchChannelUsers returns the members of a channel, keyed by id.
func (c *Client) FetchChannelUsers(ctx context.Context, channelID string) (map[string]model.User, error) {
	var resp usersResponse
	path := "/api/v1/channels/" + escape(channelID) + "/users"
	if err := c.do(ctx, "fetch_channel_users", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Users), nil
}

// CreateChannel creates a channel owned by the signed-in user.
func (c *Client) CreateChannel(ctx context.Context, name string, private bool) (model.Channel, error) {
	body := model.Channel{Name: name, Private: private}
	var resp channelResponse
	if err := c.do(ctx, "create_channel", http.MethodPost, "/api/v1/channels", nil, body, &resp); err != nil {
		return model.Channel{}, err
	}
	return resp.Channel, nil
}

// CreateChat returns the private channel shared by userIDs and the signed-in
// user, creating it when it does not exist yet.
func (c *Client) CreateChat(ctx context.Context, userIDs []string) (model.Channel, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	var resp channelResponse
	if err := c.do(ctx, "create_chat", http.MethodPost, "/api/v1/channels/chats", nil, userIDs, &resp); err != nil {
		return model.Channel{}, err
	}
	return resp.Channel, nil
}

// JoinChannel subscribes the signed-in user to a channel.
func (c *Client) JoinChannel(ctx context.Context, channelID string) (string, error) {
	var resp channelIDResponse
	path := "/api/v1/channels/" + escape(channelID) + "/join"
	if err := c.do(ctx, "join_channel", http.MethodPost, path, nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

// LeaveChannel unsubscribes the signed-in user from a channel.
func (c *Client) LeaveChannel(ctx context.Context, channelID string) (string, error) {
	var resp channelIDResponse
	path := "/api/v1/channels/" + escape(channelID) + "/leave"
	if err := c.do(ctx, "leave_channel", http.MethodDelete, path, nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

// SearchChannels returns public channels whose name matches query.
func (c *Client) SearchChannels(ctx context.Context, query string) ([]model.Channel, error) {
	var resp struct {
		Channels []model.Channel `json:"channels"`
	}
	q := url.Values{"query": {query}}
	if err := c.do(ctx, "search_channels", http.MethodGet, "/api/v1/channels/search", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}
