// Package window manages the client's open windows. A window is keyed by a
// logical identity (a channel id, or a fixed token such as "channel-list");
// at most one session exists per key, and each session owns at most one push
// subscription for its whole lifetime.
package window

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/metrics"
	"github.com/slink/im-client/internal/socket"
)

var (
	ErrUnknownWindow  = errors.New("window: no such window")
	ErrNoSubscription = errors.New("window: window has no subscription")
)

// Resource describes the live updates a window needs.
type Resource struct {
	// Path is the push stream the window subscribes to.
	Path string

	// OnMessage receives every push, in server order. It must not close its
	// own window: closing waits for the running OnMessage to return.
	OnMessage func(data json.RawMessage)

	// OnConnect runs each time the subscription reaches Open. reconnect is
	// false for the first connection. It runs on the subscription's
	// goroutine and must not block.
	OnConnect func(reconnect bool)
}

// Subscription is the part of a push subscription a window drives.
type Subscription interface {
	Send(v any) error
	Close() error
}

// Opener starts subscriptions. Open must not block and must not invoke
// onState before it returns.
type Opener interface {
	Open(path string, handler func(json.RawMessage), onState func(socket.State)) Subscription
}

// OpenFunc adapts a function to the Opener interface.
type OpenFunc func(path string, handler func(json.RawMessage), onState func(socket.State)) Subscription

// Open calls f.
func (f OpenFunc) Open(path string, handler func(json.RawMessage), onState func(socket.State)) Subscription {
	return f(path, handler, onState)
}

// SocketOpener opens windows' subscriptions through a socket connector.
func SocketOpener(c socket.Connector) Opener {
	return OpenFunc(func(path string, handler func(json.RawMessage), onState func(socket.State)) Subscription {
		return c.Open(path, handler, onState)
	})
}

// Window is a point-in-time view of one window session.
type Window struct {
	Key       string
	Path      string // empty when the window has no subscription
	Payload   any
	Active    bool // topmost in the activation order
	Connected bool
	Connects  int
	OpenedAt  time.Time
}

type session struct {
	key      string
	path     string
	payload  any
	resource *Resource
	sub      Subscription

	connected bool
	connects  int
	openedAt  time.Time
}

// Manager owns the window sessions. All methods are safe for concurrent use.
type Manager struct {
	opener Opener
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	order    []string // bottom -> top

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObs   int
}

// NewManager creates a manager that opens subscriptions through opener.
func NewManager(opener Opener, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opener:    opener,
		logger:    logger.Named("window"),
		sessions:  make(map[string]*session),
		observers: make(map[int]func(Event)),
	}
}

// OpenWindow opens the window for key and makes it topmost. If the window is
// already open it is only re-activated: its subscription and payload are left
// untouched. The second result reports whether a new session was created.
func (m *Manager) OpenWindow(key string, res *Resource, payload any) (Window, bool) {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.raiseLocked(key)
		w := m.viewLocked(s)
		m.mu.Unlock()

		m.emit(Event{Kind: EventActivated, Window: w})
		return w, false
	}

	s := &session{key: key, payload: payload, resource: res, openedAt: time.Now()}
	m.sessions[key] = s
	m.order = append(m.order, key)
	if res != nil && res.Path != "" {
		s.path = res.Path
		s.sub = m.opener.Open(res.Path, m.handler(s), func(state socket.State) {
			m.stateChanged(s, state)
		})
	}
	w := m.viewLocked(s)
	m.mu.Unlock()

	metrics.WindowsOpen.Inc()
	m.logger.Debug("window opened", zap.String("key", key), zap.String("path", s.path))
	m.emit(Event{Kind: EventOpened, Window: w})
	return w, true
}

// CloseWindow removes the window for key and closes its subscription. It
// reports false, and does nothing, when no such window is open.
func (m *Manager) CloseWindow(key string) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	w := m.viewLocked(s)
	m.removeLocked(key)
	m.mu.Unlock()

	m.release(s, w)
	return true
}

// CloseAll closes every window, topmost first.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	closing := make([]*session, 0, len(m.order))
	views := make([]Window, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		closing = append(closing, s)
		views = append(views, m.viewLocked(s))
	}
	m.sessions = make(map[string]*session)
	m.order = nil
	m.mu.Unlock()

	for i, s := range closing {
		m.release(s, views[i])
	}
}

// release closes a removed session's subscription. It must be called without
// m.mu held: Close delivers a final state change that takes m.mu.
func (m *Manager) release(s *session, w Window) {
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			m.logger.Debug("subscription close", zap.String("key", s.key), zap.Error(err))
		}
	}
	metrics.WindowsOpen.Dec()
	m.logger.Debug("window closed", zap.String("key", s.key))

	w.Active = false
	w.Connected = false
	m.emit(Event{Kind: EventClosed, Window: w})
}

// Activate raises the window for key to the top. It reports false when no
// such window is open.
func (m *Manager) Activate(key string) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.raiseLocked(key)
	w := m.viewLocked(s)
	m.mu.Unlock()

	m.emit(Event{Kind: EventActivated, Window: w})
	return true
}

// Send writes v through the window's subscription.
func (m *Manager) Send(key string, v any) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()

	if !ok {
		return ErrUnknownWindow
	}
	if s.sub == nil {
		return ErrNoSubscription
	}
	return s.sub.Send(v)
}

// Get returns the window for key.
func (m *Manager) Get(key string) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Window{}, false
	}
	return m.viewLocked(s), true
}

// Windows returns every open window in activation order, topmost last.
func (m *Manager) Windows() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.viewLocked(m.sessions[key]))
	}
	return out
}

// Order returns the open keys in activation order, topmost last.
func (m *Manager) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Topmost returns the active window.
func (m *Manager) Topmost() (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return Window{}, false
	}
	return m.viewLocked(m.sessions[m.order[len(m.order)-1]]), true
}

// Len returns the number of open windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) handler(s *session) func(json.RawMessage) {
	return func(data json.RawMessage) {
		if s.resource.OnMessage != nil {
			s.resource.OnMessage(data)
		}
	}
}

// stateChanged tracks connectivity for s. Transitions of a session that was
// closed or replaced are ignored.
func (m *Manager) stateChanged(s *session, state socket.State) {
	m.mu.Lock()
	if m.sessions[s.key] != s {
		m.mu.Unlock()
		return
	}

	var (
		kind      EventKind
		reconnect bool
	)
	switch state {
	case socket.StateOpen:
		s.connected = true
		s.connects++
		reconnect = s.connects > 1
		kind = EventConnected
	case socket.StateClosed:
		if !s.connected {
			m.mu.Unlock()
			return
		}
		s.connected = false
		kind = EventDisconnected
	default:
		m.mu.Unlock()
		return
	}
	w := m.viewLocked(s)
	m.mu.Unlock()

	m.logger.Debug("window "+kind.String(), zap.String("key", s.key), zap.Int("connects", w.Connects))
	m.emit(Event{Kind: kind, Window: w})

	if kind == EventConnected && s.resource.OnConnect != nil {
		s.resource.OnConnect(reconnect)
	}
}

func (m *Manager) raiseLocked(key string) {
	m.dropKeyLocked(key)
	m.order = append(m.order, key)
}

func (m *Manager) removeLocked(key string) {
	delete(m.sessions, key)
	m.dropKeyLocked(key)
}

func (m *Manager) dropKeyLocked(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) viewLocked(s *session) Window {
	return Window{
		Key:       s.key,
		Path:      s.path,
		Payload:   s.payload,
		Active:    len(m.order) > 0 && m.order[len(m.order)-1] == s.key,
		Connected: s.connected,
		Connects:  s.connects,
		OpenedAt:  s.openedAt,
	}
}
