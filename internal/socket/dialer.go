package socket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
)

// Dialer establishes the duplex transport for a subscription.
type Dialer interface {
	Dial(ctx context.Context, url string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (net.Conn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (net.Conn, error) {
	return f(ctx, url)
}

// WSDialer performs the WebSocket handshake with gobwas/ws. Header, when set,
// supplies extra handshake headers for the target URL (the session cookie).
type WSDialer struct {
	Header func(u *url.URL) http.Header
}

// Dial connects to a ws:// or wss:// URL.
func (d WSDialer) Dial(ctx context.Context, rawURL string) (net.Conn, error) {
	var dialer ws.Dialer
	if d.Header != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("socket: parse url %q: %w", rawURL, err)
		}
		if h := d.Header(u); len(h) > 0 {
			dialer.Header = ws.HandshakeHeaderHTTP(h)
		}
	}

	conn, br, _, err := dialer.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", rawURL, err)
	}
	if br != nil {
		// The server already sent frames behind the handshake response.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Connector opens subscriptions against one server. BaseURL is the ws:// or
// wss:// origin; resource paths are appended to it.
type Connector struct {
	BaseURL string
	Options Options
}

// Open starts a subscription to path. onState, when non-nil, replaces
// Options.OnStateChange for this subscription.
func (c Connector) Open(path string, handler Handler, onState func(State)) *Subscription {
	opts := c.Options
	if onState != nil {
		opts.OnStateChange = onState
	}
	return Open(JoinURL(c.BaseURL, path), handler, opts)
}

// JoinURL appends a resource path to a base URL without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
