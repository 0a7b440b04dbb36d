// Package api is the request/response gateway to the slink server's /api/v1
// surface. Each call is a single HTTP exchange; the only state the client
// carries between calls is the session cookie.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/metrics"
	"github.com/slink/im-client/internal/protocol"
)

const (
	DefaultTimeout        = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second

	maxErrorBody = 64 << 10
)

// Error is a failed gateway call. Messages holds the server's validation
// messages verbatim when it sent any. StatusCode is zero when the request
// never got a response.
type Error struct {
	Op         string
	StatusCode int
	Messages   []string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	case len(e.Messages) > 0:
		return fmt.Sprintf("api: %s: %d: %s", e.Op, e.StatusCode, strings.Join(e.Messages, "; "))
	default:
		return fmt.Sprintf("api: %s: %d", e.Op, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Messages returns the server's validation messages carried by err, if any.
func Messages(err error) []string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Messages
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Options configures a Client. Zero values fall back to the defaults.
type Options struct {
	Timeout    time.Duration // overall budget per request
	HTTPClient *http.Client  // overrides the default client; its Jar is replaced
	Logger     *zap.Logger
}

// Client talks to one slink server.
type Client struct {
	base   *url.URL
	http   *http.Client
	jar    http.CookieJar
	logger *zap.Logger
}

// New creates a client for the server at baseURL (http:// or https://).
func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base url %q must be http or https", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("api: cookie jar: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = defaultClient(opts.Timeout)
	} else {
		clone := *httpClient
		httpClient = &clone
	}
	httpClient.Jar = jar

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:   base,
		http:   httpClient,
		jar:    jar,
		logger: logger.Named("api"),
	}, nil
}

func defaultClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout: defaultConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// BaseURL returns the server origin.
func (c *Client) BaseURL() string { return c.base.String() }

// do performs one exchange. body, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	err = c.exchange(req, op, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Debug("request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) exchange(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Messages:   protocol.ParseErrorBody(data),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func escape(id string) string { return url.PathEscape(id) }
