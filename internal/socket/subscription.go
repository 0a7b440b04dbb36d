// Package socket implements the resilient push subscription: a WebSocket
// client bound to one server resource path that delivers each text frame to a
// handler, in order, and reconnects after a fixed delay whenever the
// connection ends without the caller asking for it.
//
// The connection lifecycle is an explicit state machine (see State). Whether a
// close was requested by the caller is part of the machine's data and is
// recorded before the transport is torn down, so the read loop can always
// tell a deliberate teardown from a network drop.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slink/im-client/internal/metrics"
)

// DefaultReconnectDelay is the fixed wait between an unexpected close (or a
// failed dial) and the next connection attempt.
const DefaultReconnectDelay = 1 * time.Second

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	closeWriteTimeout   = 1 * time.Second
)

// ErrNotConnected is returned by Send when the subscription is not Open.
var ErrNotConnected = errors.New("socket: not connected")

// Handler receives one push. data is structurally valid JSON; decoding it into
// an entity is the handler's job.
type Handler func(data json.RawMessage)

// Options tunes a subscription. Zero values fall back to the defaults.
type Options struct {
	ReconnectDelay time.Duration // wait before reconnecting (default 1s)
	DialTimeout    time.Duration // dial + handshake budget (default 10s)
	WriteTimeout   time.Duration // per-frame write budget (default 10s)

	// HeartbeatInterval enables client pings when positive. A connection
	// that receives nothing for HeartbeatInterval+HeartbeatTimeout is
	// treated as dropped.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Dialer        Dialer      // default WSDialer{}
	OnStateChange func(State) // called on every transition, never under a lock
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatInterval > 0 && o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = o.HeartbeatInterval
	}
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Subscription is one live push subscription. All methods are safe for
// concurrent use.
type Subscription struct {
	id      string
	url     string
	handler Handler
	opts    Options
	logger  *zap.Logger

	mu             sync.Mutex
	state          State
	closedByClient bool
	conn           net.Conn
	connects       int

	writeMu   sync.Mutex // serializes frames on the current conn
	notifyMu  sync.Mutex // serializes OnStateChange calls
	deliverMu sync.Mutex // held across each handler call; Close waits on it

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open starts a subscription to url in the Connecting state and returns
// immediately. Connection errors are never returned; they are logged and
// retried until Close is called.
func Open(url string, handler Handler, opts Options) *Subscription {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	s := &Subscription{
		id:      id,
		url:     url,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.Named("socket").With(zap.String("sub", id), zap.String("url", url)),
		state:   StateConnecting,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run()
	return s
}

// ID returns the subscription's client-local identifier.
func (s *Subscription) ID() string { return s.id }

// URL returns the subscribed resource URL.
func (s *Subscription) URL() string { return s.url }

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connects returns how many times the subscription has reached Open.
func (s *Subscription) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Done is closed once the connection loop has exited after Close.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Wait blocks until the connection loop has exited. It must not be called
// from the handler.
func (s *Subscription) Wait() { <-s.done }

// Send JSON-encodes v and writes it as one text frame. []byte and
// json.RawMessage values are sent as-is. Sends fail with ErrNotConnected
// unless the subscription is Open; nothing is queued for later.
func (s *Subscription) Send(v any) error {
	var data []byte
	switch p := v.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("socket: marshal: %w", err)
		}
	}

	s.mu.Lock()
	conn, open := s.conn, s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	// The frame is masked in place; never hand the caller's bytes over.
	frame := make([]byte, len(data))
	copy(frame, data)
	if err := s.write(conn, ws.OpText, frame, s.opts.WriteTimeout); err != nil {
		return fmt.Errorf("socket: send: %w", err)
	}
	return nil
}

// Close tears the subscription down for good. The caller-initiated flag is
// recorded before the transport is closed and before any pending reconnect
// is cancelled, so no reconnect can follow. Close waits for a handler call
// already in progress, so no handler runs once it returns; it must therefore
// not be called from the handler. Close is idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closedByClient {
		s.mu.Unlock()
		return nil
	}
	s.closedByClient = true
	prev := s.state
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if prev == StateOpen {
		metrics.SocketsOpen.Dec()
	}

	var err error
	if conn != nil {
		_ = s.write(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""), closeWriteTimeout)
		err = conn.Close()
	}

	// Wait out a handler call that started before the flag was set.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	if prev != StateClosed {
		s.notify(StateClosed)
	}
	s.logger.Debug("closed by client", zap.Stringer("from", prev))
	return err
}

// run owns the dial -> read -> backoff cycle. Exactly one run goroutine
// exists per subscription, so reconnect loops can never multiply.
func (s *Subscription) run() {
	defer close(s.done)

	for {
		conn, err := s.dial()
		if err != nil {
			if !s.setClosed(err) {
				return
			}
		} else {
			if !s.attach(conn) {
				return
			}
			err = s.read(conn)
			if !s.detach(conn, err) {
				return
			}
		}

		if !s.backoff() {
			return
		}
	}
}

func (s *Subscription) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()
	return s.opts.Dialer.Dial(ctx, s.url)
}

// attach moves Connecting -> Open. It reports false, and closes conn, when the
// caller closed the subscription while the dial was in flight.
func (s *Subscription) attach(conn net.Conn) bool {
	s.mu.Lock()
	if s.closedByClient {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.state = StateOpen
	s.connects++
	n := s.connects
	s.mu.Unlock()

	metrics.SocketsOpen.Inc()
	s.logger.Info("socket opened", zap.Int("connects", n))
	s.notify(StateOpen)
	return true
}

// detach moves Open -> Closed after the read loop ended. It reports false when
// the close was caller-initiated, in which case Close already did the
// bookkeeping.
func (s *Subscription) detach(conn net.Conn, cause error) bool {
	conn.Close()

	s.mu.Lock()
	if s.closedByClient {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	metrics.SocketsOpen.Dec()
	s.logger.Warn("server closed socket", zap.Error(cause))
	s.notify(StateClosed)
	return true
}

// setClosed records a failed dial. It reports false when the dial failed
// because the caller closed the subscription.
func (s *Subscription) setClosed(cause error) bool {
	s.mu.Lock()
	if s.closedByClient {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Warn("dial failed", zap.Error(cause))
	s.notify(StateClosed)
	return true
}

// backoff waits ReconnectDelay and moves Closed -> Connecting. Close cancels
// the wait.
func (s *Subscription) backoff() bool {
	metrics.SocketReconnects.Inc()
	timer := time.NewTimer(s.opts.ReconnectDelay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	s.mu.Lock()
	if s.closedByClient {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.notify(StateConnecting)
	return true
}

// read delivers text frames until the connection fails. Control frames are
// answered here so that pong replies share the write lock with Send.
func (s *Subscription) read(conn net.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeat(conn, stop)
	}

	control := func(hdr ws.Header, r io.Reader) error {
		return s.handleControl(conn, hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		if s.opts.HeartbeatInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatInterval + s.opts.HeartbeatTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		s.deliver(data)
	}
}

func (s *Subscription) deliver(data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	closed := s.closedByClient
	s.mu.Unlock()
	if closed {
		return
	}

	if !json.Valid(data) {
		metrics.PushesTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("dropping malformed push", zap.Int("bytes", len(data)))
		return
	}
	metrics.PushesTotal.WithLabelValues("delivered").Inc()
	s.handler(json.RawMessage(data))
}

func (s *Subscription) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return s.write(conn, ws.OpPong, payload, s.opts.WriteTimeout)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = s.write(conn, ws.OpClose, ws.NewCloseFrameBody(code, ""), closeWriteTimeout)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// heartbeat pings the server until stop is closed. A failed ping closes the
// connection, which ends the read loop and triggers a reconnect.
func (s *Subscription) heartbeat(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(conn, ws.OpPing, nil, s.opts.WriteTimeout); err != nil {
				s.logger.Warn("heartbeat ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (s *Subscription) write(conn net.Conn, op ws.OpCode, p []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return wsutil.WriteClientMessage(conn, op, p)
}

// notify announces state unless the machine has already moved past it, so a
// listener never sees a stale Open after Closed.
func (s *Subscription) notify(state State) {
	if s.opts.OnStateChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if s.State() != state {
		return
	}
	s.opts.OnStateChange(state)
}
