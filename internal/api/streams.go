package api

import (
	"net/http"
	"net/url"

	"github.com/slink/im-client/internal/socket"
)

// ChatsStreamPath pushes each newly created chat the signed-in user belongs to.
const ChatsStreamPath = "/api/v1/channels/chats/messages"

// ChannelStreamPath is the push stream of one channel's messages.
func ChannelStreamPath(channelID string) string {
	return "/api/v1/channels/" + escape(channelID) + "/messages/subscribe"
}

// SocketURL maps the server origin to its ws:// or wss:// equivalent and
// appends path.
func (c *Client) SocketURL(path string) string {
	return socket.JoinURL(c.socketBase(), path)
}

func (c *Client) socketBase() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Connector returns a socket connector for this server whose handshakes carry
// the current session cookie.
func (c *Client) Connector(opts socket.Options) socket.Connector {
	if opts.Dialer == nil {
		opts.Dialer = socket.WSDialer{Header: c.socketHeader}
	}
	return socket.Connector{BaseURL: c.socketBase(), Options: opts}
}

// socketHeader looks up session cookies for a ws:// URL under its http://
// equivalent, since the jar only serves http schemes.
func (c *Client) socketHeader(u *url.URL) http.Header {
	httpURL := *u
	if u.Scheme == "wss" {
		httpURL.Scheme = "https"
	} else {
		httpURL.Scheme = "http"
	}

	cookies := c.jar.Cookies(&httpURL)
	if len(cookies) == 0 {
		return nil
	}
	req := &http.Request{Header: http.Header{}}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	return req.Header
}
