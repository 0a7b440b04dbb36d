// Package testserver runs an in-process fake slink server for tests: the
// /api/v1 request/response surface backed by in-memory maps, plus WebSocket
// push streams built on gobwas/ws. Tests can push frames, drop connections to
// simulate network failures, refuse upgrades, and inject request failures.
package testserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/slink/im-client/internal/model"
)

// SessionCookie is the cookie name carrying the fake session token.
const SessionCookie = "slink_session"

// ChatsPath is the stream delivering newly created chats to their members.
const ChatsPath = "/api/v1/channels/chats/messages"

// ChannelPath returns the message stream path of a channel.
func ChannelPath(channelID string) string {
	return "/api/v1/channels/" + channelID + "/messages/subscribe"
}

// Failure is an injected request failure.
type Failure struct {
	Status   int
	Messages []string
}

// Server is a fake slink server.
type Server struct {
	t     testing.TB
	http  *httptest.Server
	conns *ConnectionManager

	mu            sync.Mutex
	users         map[string]model.User
	passwords     map[string]string // screenname -> password
	channels      map[string]model.Channel
	messages      map[string]model.Message
	subscriptions map[string]model.Subscription
	sessions      map[string]string // token -> user id
	rejectUpgrade bool
	failures      map[string]Failure   // "METHOD /pattern" -> failure
	hooks         map[string]func()    // "METHOD /pattern" -> runs before the handler
	clock         func() time.Time
	received      map[string][][]byte // path -> frames sent by clients
}

// New starts a fake server and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:             t,
		conns:         NewConnectionManager(),
		users:         make(map[string]model.User),
		passwords:     make(map[string]string),
		channels:      make(map[string]model.Channel),
		messages:      make(map[string]model.Message),
		subscriptions: make(map[string]model.Subscription),
		sessions:      make(map[string]string),
		failures:      make(map[string]Failure),
		hooks:         make(map[string]func()),
		clock:         time.Now,
		received:      make(map[string][][]byte),
	}
	s.http = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// URL returns the http:// origin.
func (s *Server) URL() string { return s.http.URL }

// WSURL returns the ws:// origin.
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.http.URL, "http") }

// Close drops every connection and stops the server.
func (s *Server) Close() {
	for _, c := range s.conns.All() {
		s.conns.Remove(c.ID)
	}
	s.http.Close()
}

// Connections returns the number of live push connections on path.
func (s *Server) Connections(path string) int { return s.conns.Count(path) }

// Dials returns how many push connections path has accepted in total.
func (s *Server) Dials(path string) int { return s.conns.Dials(path) }

// WaitConnections waits until path has exactly n live connections.
func (s *Server) WaitConnections(path string, n int) {
	s.t.Helper()
	s.waitFor(func() bool { return s.Connections(path) == n },
		"expected %d connections on %s, have %d", n, path, s.Connections(path))
}

// WaitDials waits until path has accepted at least n connections.
func (s *Server) WaitDials(path string, n int) {
	s.t.Helper()
	s.waitFor(func() bool { return s.Dials(path) >= n },
		"expected %d dials on %s, have %d", n, path, s.Dials(path))
}

func (s *Server) waitFor(cond func() bool, format string, args ...any) {
	s.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		s.t.Fatalf(format, args...)
	}
}

// Push sends v as JSON to every connection on path.
func (s *Server) Push(path string, v any) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("testserver: marshal push: %v", err)
	}
	s.PushRaw(path, data)
}

// PushRaw sends data verbatim to every connection on path.
func (s *Server) PushRaw(path string, data []byte) {
	for _, c := range s.conns.OnPath(path) {
		_ = c.WriteMessage(data)
	}
}

// Drop closes every connection on path without a close frame, the way a
// network failure would.
func (s *Server) Drop(path string) {
	for _, c := range s.conns.OnPath(path) {
		s.conns.Remove(c.ID)
	}
}

// CloseStreams sends a close frame to every connection on path and closes it.
func (s *Server) CloseStreams(path string) {
	for _, c := range s.conns.OnPath(path) {
		_ = c.WriteClose()
		s.conns.Remove(c.ID)
	}
}

// RejectUpgrades makes push upgrades fail with 503 while set.
func (s *Server) RejectUpgrades(reject bool) {
	s.mu.Lock()
	s.rejectUpgrade = reject
	s.mu.Unlock()
}

// Fail makes requests matching route (e.g. "GET /api/v1/channels") fail with
// the given status and messages until Clear is called.
func (s *Server) Fail(route string, status int, messages ...string) {
	s.mu.Lock()
	s.failures[route] = Failure{Status: status, Messages: messages}
	s.mu.Unlock()
}

// Hook runs fn before the handler of route. fn runs without server locks held
// and may block to simulate a slow response.
func (s *Server) Hook(route string, fn func()) {
	s.mu.Lock()
	s.hooks[route] = fn
	s.mu.Unlock()
}

// Clear removes injected failures and hooks.
func (s *Server) Clear() {
	s.mu.Lock()
	s.failures = make(map[string]Failure)
	s.hooks = make(map[string]func())
	s.mu.Unlock()
}

// Received returns the frames clients sent on path.
func (s *Server) Received(path string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received[path]))
	copy(out, s.received[path])
	return out
}

func (s *Server) newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// handleStream upgrades the request and registers the connection on its path.
// Text frames from the client go to onFrame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID string, onFrame func(data []byte)) {
	s.mu.Lock()
	reject := s.rejectUpgrade
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	conn := &Connection{ID: uuid.NewString(), Path: r.URL.Path, UserID: userID, Conn: netConn}
	s.conns.Add(conn)

	go func() {
		defer s.conns.Remove(conn.ID)
		for {
			data, op, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if op != ws.OpText {
				continue
			}
			s.mu.Lock()
			s.received[conn.Path] = append(s.received[conn.Path], data)
			s.mu.Unlock()
			if onFrame != nil {
				onFrame(data)
			}
		}
	}()
}
