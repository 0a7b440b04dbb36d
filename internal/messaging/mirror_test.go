package messaging

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/store"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, data})
	return p.err
}

func TestMirrorPublishesChanges(t *testing.T) {
	pub := &recordingPublisher{}
	stores := store.New(nil)
	mirror := NewMirror(pub, nil)
	mirror.Attach(stores)
	defer mirror.Close()

	stores.Channels.UpsertOne(model.Channel{ID: "c1", Name: "general"})
	stores.Channels.RemoveOne("c1")

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "slink.store.channels", pub.msgs[0].subject)

	var upsert ChangeEvent[model.Channel]
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &upsert))
	assert.Equal(t, store.OpUpsertOne, upsert.Op)
	assert.Equal(t, []string{"c1"}, upsert.IDs)
	assert.Equal(t, "general", upsert.Entities["c1"].Name)

	var removal ChangeEvent[model.Channel]
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &removal))
	assert.Equal(t, store.OpRemoveOne, removal.Op)
	assert.Empty(t, removal.Entities)
}

func TestMirrorCloseStopsPublishing(t *testing.T) {
	pub := &recordingPublisher{}
	stores := store.New(nil)
	mirror := NewMirror(pub, nil)
	mirror.Attach(stores)
	mirror.Close()

	stores.Users.UpsertOne(model.User{ID: "u1"})
	assert.Empty(t, pub.msgs)
}

func TestMirrorPublishFailureDoesNotAffectStore(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	stores := store.New(nil)
	mirror := NewMirror(pub, nil)
	mirror.Attach(stores)
	defer mirror.Close()

	stores.Messages.UpsertOne(model.Message{ID: "m1", ChannelID: "c1"})
	assert.Equal(t, 1, stores.Messages.Len())
}

func TestDecodeChange(t *testing.T) {
	pub := &recordingPublisher{}
	stores := store.New(nil)
	mirror := NewMirror(pub, nil)
	mirror.Attach(stores)
	defer mirror.Close()

	stores.Users.UpsertOne(model.User{ID: "u1", Screenname: "alice"})
	require.Len(t, pub.msgs, 1)

	ev, err := DecodeChange(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, store.NameUsers, ev.Store)
	assert.Equal(t, store.OpUpsertOne, ev.Op)
	assert.JSONEq(t, `{"userID":"u1","screenname":"alice"}`, string(ev.Entities["u1"]))

	_, err = DecodeChange([]byte(`not json`))
	assert.Error(t, err)
	_, err = DecodeChange([]byte(`{"op":"upsert_one"}`))
	assert.Error(t, err)
}

// newTestClient connects to a local NATS server. It skips when none is
// running on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestMirrorOverNATS(t *testing.T) {
	client := newTestClient(t)

	got := make(chan []byte, 4)
	require.NoError(t, client.Subscribe(StoreSubject(store.NameMessages), func(data []byte) { got <- data }))
	require.NoError(t, client.Flush())

	stores := store.New(nil)
	mirror := NewMirror(client, nil)
	mirror.Attach(stores)
	defer mirror.Close()

	stores.Messages.UpsertOne(model.Message{ID: "m1", ChannelID: "c1", Body: "hi"})
	require.NoError(t, client.Flush())

	select {
	case data := <-got:
		var ev ChangeEvent[model.Message]
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "hi", ev.Entities["m1"].Body)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}

	require.NoError(t, client.Unsubscribe(StoreSubject(store.NameMessages)))
	assert.Error(t, client.Unsubscribe(StoreSubject(store.NameMessages)))
}

func TestWildcardFollowsEveryStore(t *testing.T) {
	client := newTestClient(t)

	got := make(chan string, 8)
	require.NoError(t, client.Subscribe(SubjectAllStores, func(data []byte) {
		if ev, err := DecodeChange(data); err == nil {
			got <- ev.Store
		}
	}))
	require.NoError(t, client.Flush())

	stores := store.New(nil)
	mirror := NewMirror(client, nil)
	mirror.Attach(stores)
	defer mirror.Close()

	stores.Users.UpsertOne(model.User{ID: "u1"})
	stores.Channels.UpsertOne(model.Channel{ID: "c1"})
	require.NoError(t, client.Flush())

	var seen []string
	for len(seen) < 2 {
		select {
		case name := <-got:
			seen = append(seen, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{store.NameUsers, store.NameChannels}, seen)
	require.NoError(t, client.Unsubscribe(SubjectAllStores))
}
