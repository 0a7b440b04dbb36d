package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slink/im-client/internal/testserver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const feed = "/ws/feed"

func testOptions() Options {
	return Options{ReconnectDelay: 20 * time.Millisecond, DialTimeout: time.Second}
}

// recorder collects pushes and state transitions.
type recorder struct {
	mu     sync.Mutex
	pushes []string
	states []State
}

func (r *recorder) handle(data json.RawMessage) {
	r.mu.Lock()
	r.pushes = append(r.pushes, string(data))
	r.mu.Unlock()
}

func (r *recorder) onState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Pushes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pushes...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitState(t *testing.T, sub *Subscription, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return sub.State() == want },
		5*time.Second, 5*time.Millisecond, "subscription never reached %s", want)
}

func openFeed(t *testing.T, srv *testserver.Server, rec *recorder, opts Options) *Subscription {
	t.Helper()
	opts.OnStateChange = rec.onState
	sub := Open(JoinURL(srv.WSURL(), feed), rec.handle, opts)
	t.Cleanup(func() {
		sub.Close()
		sub.Wait()
	})
	return sub
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestDeliversPushesInOrder(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	for i := 1; i <= 5; i++ {
		srv.Push(feed, map[string]int{"n": i})
	}

	require.Eventually(t, func() bool { return len(rec.Pushes()) == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}, rec.Pushes())
}

func TestMalformedPushIsDropped(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	srv.PushRaw(feed, []byte("this is not json"))
	srv.PushRaw(feed, []byte(`{"ok":true}`))

	require.Eventually(t, func() bool { return len(rec.Pushes()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"ok":true}`}, rec.Pushes())
	assert.Equal(t, StateOpen, sub.State())
	assert.Equal(t, 1, sub.Connects())
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSendWritesOneTextFrame(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	require.NoError(t, sub.Send(map[string]string{"body": "hello"}))
	require.NoError(t, sub.Send([]byte(`{"body":"raw"}`)))

	require.Eventually(t, func() bool { return len(srv.Received(feed)) == 2 }, 5*time.Second, 5*time.Millisecond)
	got := srv.Received(feed)
	assert.JSONEq(t, `{"body":"hello"}`, string(got[0]))
	assert.JSONEq(t, `{"body":"raw"}`, string(got[1]))
}

func TestSendWhileNotConnected(t *testing.T) {
	srv := testserver.New(t)
	srv.RejectUpgrades(true)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	assert.ErrorIs(t, sub.Send(map[string]string{"body": "lost"}), ErrNotConnected)

	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Send(map[string]string{"body": "lost"}), ErrNotConnected)
	assert.Empty(t, srv.Received(feed))
}

func TestSendDoesNotMutateCallerBytes(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())
	waitState(t, sub, StateOpen)

	payload := []byte(`{"body":"keep me"}`)
	require.NoError(t, sub.Send(payload))
	assert.Equal(t, `{"body":"keep me"}`, string(payload))
}

// ---------------------------------------------------------------------------
// Reconnect
// ---------------------------------------------------------------------------

func TestReconnectsAfterDrop(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	srv.Drop(feed)
	srv.WaitDials(feed, 2)
	require.Eventually(t, func() bool { return sub.Connects() == 2 }, 5*time.Second, 5*time.Millisecond)
	srv.WaitConnections(feed, 1)

	// One drop, one new connection: no parallel reconnect loops.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, srv.Dials(feed))
	assert.Equal(t, 1, srv.Connections(feed))

	srv.Push(feed, map[string]string{"after": "reconnect"})
	require.Eventually(t, func() bool { return len(rec.Pushes()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestReconnectsAfterServerCloseFrame(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	srv.CloseStreams(feed)
	srv.WaitDials(feed, 2)
	require.Eventually(t, func() bool { return sub.Connects() == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestStateSequence(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)
	srv.Drop(feed)
	require.Eventually(t, func() bool { return sub.Connects() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	sub.Wait()

	assert.Equal(t, []State{StateOpen, StateClosed, StateConnecting, StateOpen, StateClosed}, rec.States())
}

func TestCloseDuringBackoffCancelsReconnect(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	opts := testOptions()
	opts.ReconnectDelay = 200 * time.Millisecond
	sub := openFeed(t, srv, rec, opts)

	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	srv.Drop(feed)
	waitState(t, sub, StateClosed)
	require.NoError(t, sub.Close())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("connection loop still running after Close")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials(feed))
	assert.Equal(t, StateClosed, sub.State())
}

func TestRetriesFailedDials(t *testing.T) {
	var attempts atomic.Int32
	dialer := DialerFunc(func(ctx context.Context, url string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})

	rec := &recorder{}
	opts := testOptions()
	opts.Dialer = dialer
	opts.OnStateChange = rec.onState
	sub := Open("ws://unreachable.invalid/ws/feed", rec.handle, opts)

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())
	sub.Wait()

	assert.Equal(t, 0, sub.Connects())
	assert.NotContains(t, rec.States(), StateOpen)
}

func TestRejectedUpgradeRetriesUntilAccepted(t *testing.T) {
	srv := testserver.New(t)
	srv.RejectUpgrades(true)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())

	time.Sleep(60 * time.Millisecond)
	assert.NotEqual(t, StateOpen, sub.State())

	srv.RejectUpgrades(false)
	waitState(t, sub, StateOpen)
	assert.Equal(t, 1, sub.Connects())
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestCloseIsIdempotent(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())
	waitState(t, sub, StateOpen)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	sub.Wait()

	assert.Equal(t, StateClosed, sub.State())
	srv.WaitConnections(feed, 0)

	closes := 0
	for _, s := range rec.States() {
		if s == StateClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestNoDeliveryAfterClose(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	sub := openFeed(t, srv, rec, testOptions())
	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	require.NoError(t, sub.Close())
	sub.Wait()
	srv.Push(feed, map[string]int{"late": 1})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Pushes())
}

func TestCloseWaitsForRunningHandler(t *testing.T) {
	srv := testserver.New(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls, finished atomic.Int32

	sub := Open(JoinURL(srv.WSURL(), feed), func(json.RawMessage) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		finished.Add(1)
	}, testOptions())
	waitState(t, sub, StateOpen)
	srv.WaitConnections(feed, 1)

	srv.Push(feed, map[string]int{"n": 1})
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never called")
	}

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}
	sub.Wait()

	assert.Equal(t, calls.Load(), finished.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRapidOpenClose(t *testing.T) {
	srv := testserver.New(t)

	for i := 0; i < 25; i++ {
		sub := Open(JoinURL(srv.WSURL(), feed), func(json.RawMessage) {}, testOptions())
		if i%2 == 0 {
			time.Sleep(time.Millisecond)
		}
		require.NoError(t, sub.Close())
		sub.Wait()
	}
	srv.WaitConnections(feed, 0)
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	srv := testserver.New(t)
	rec := &recorder{}
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 40 * time.Millisecond
	sub := openFeed(t, srv, rec, opts)

	waitState(t, sub, StateOpen)
	time.Sleep(250 * time.Millisecond)

	assert.Equal(t, StateOpen, sub.State())
	assert.Equal(t, 1, sub.Connects())
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	// A peer that never answers: the read deadline expires and the
	// subscription redials.
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context, url string) (net.Conn, error) {
		dials.Add(1)
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 512)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	})

	opts := testOptions()
	opts.Dialer = dialer
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 20 * time.Millisecond
	sub := Open("ws://silent/ws/feed", func(json.RawMessage) {}, opts)

	require.Eventually(t, func() bool { return sub.Connects() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())
	sub.Wait()
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "ws://host/api/v1/x", JoinURL("ws://host/", "/api/v1/x"))
	assert.Equal(t, "ws://host/api/v1/x", JoinURL("ws://host", "api/v1/x"))
}
