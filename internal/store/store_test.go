package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slink/im-client/internal/model"
)

func msg(id, channelID string, at time.Time) model.Message {
	return model.Message{ID: id, ChannelID: channelID, Body: "body-" + id, UserID: "u1", CreatedAt: at}
}

func TestUpsertIsIdempotentAndLastWriteWins(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)

	s.UpsertOne(model.User{ID: "u1", Screenname: "alice"})
	s.UpsertMany(map[string]model.User{
		"u1": {ID: "u1", Screenname: "alice2"},
		"u2": {ID: "u2", Screenname: "bob"},
	})
	s.UpsertOne(model.User{ID: "u2", Screenname: "bob2"})
	s.UpsertOne(model.User{ID: "u2", Screenname: "bob2"})

	// Replaying only the last write per id must give the same mapping.
	want := map[string]model.User{
		"u1": {ID: "u1", Screenname: "alice2"},
		"u2": {ID: "u2", Screenname: "bob2"},
	}
	assert.Equal(t, want, s.Snapshot().Map())
}

func TestReplaceAllThenUpsertManyIsKeyedUnion(t *testing.T) {
	s := NewStore[model.Channel](NameChannels, nil)
	s.UpsertOne(model.Channel{ID: "stale", Name: "gone"})

	s.ReplaceAll(map[string]model.Channel{
		"c1": {ID: "c1", Name: "one"},
		"c2": {ID: "c2", Name: "two"},
	})
	s.UpsertMany(map[string]model.Channel{
		"c2": {ID: "c2", Name: "two-updated"},
		"c3": {ID: "c3", Name: "three"},
	})

	want := map[string]model.Channel{
		"c1": {ID: "c1", Name: "one"},
		"c2": {ID: "c2", Name: "two-updated"},
		"c3": {ID: "c3", Name: "three"},
	}
	assert.Equal(t, want, s.Snapshot().Map())
}

func TestSlowHistoricalFetchNeverDropsPushedMessage(t *testing.T) {
	stores := New(nil)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m1 := msg("m1", "c1", base)
	m2 := msg("m2", "c1", base.Add(time.Minute))
	fetched := map[string]model.Message{
		"m0": msg("m0", "c1", base.Add(-time.Minute)),
		"m1": m1,
	}

	stores.Messages.UpsertMany(map[string]model.Message{"m1": m1})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stores.Messages.UpsertMany(map[string]model.Message{"m2": m2})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		stores.Messages.UpsertMany(fetched)
	}()
	wg.Wait()

	snap := stores.Messages.Snapshot()
	for _, id := range []string{"m0", "m1", "m2"} {
		assert.True(t, snap.Has(id), "missing %s", id)
	}
	assert.Equal(t, 3, snap.Len())
}

func TestRemoveOneIsSetDifference(t *testing.T) {
	s := NewStore[model.Channel](NameChannels, nil)
	s.ReplaceAll(map[string]model.Channel{
		"c1": {ID: "c1", Name: "one"},
		"c2": {ID: "c2", Name: "two"},
		"c3": {ID: "c3", Name: "three"},
	})
	before := s.Snapshot()

	s.RemoveOne("c2")

	after := s.Snapshot()
	assert.False(t, after.Has("c2"))
	assert.Equal(t, 2, after.Len())
	for _, id := range []string{"c1", "c3"} {
		want, _ := before.Get(id)
		got, ok := after.Get(id)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestRemoveAbsentPublishesNothing(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)
	calls := 0
	s.Subscribe(func(Change[model.User]) { calls++ })

	s.RemoveOne("nope")

	assert.Equal(t, 0, calls)
	assert.Equal(t, uint64(0), s.Snapshot().Version())
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)
	s.UpsertOne(model.User{ID: "u1", Screenname: "alice"})
	old := s.Snapshot()

	s.UpsertOne(model.User{ID: "u1", Screenname: "changed"})
	s.UpsertOne(model.User{ID: "u2", Screenname: "bob"})

	u, _ := old.Get("u1")
	assert.Equal(t, "alice", u.Screenname)
	assert.Equal(t, 1, old.Len())
	assert.Equal(t, uint64(3), s.Snapshot().Version())
}

func TestObserversReceiveChanges(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)
	var got []Change[model.User]
	cancel := s.Subscribe(func(c Change[model.User]) { got = append(got, c) })

	s.UpsertOne(model.User{ID: "u1"})
	s.UpsertMany(map[string]model.User{"u2": {ID: "u2"}, "u3": {ID: "u3"}})
	cancel()
	s.RemoveOne("u1")

	require.Len(t, got, 2)
	assert.Equal(t, OpUpsertOne, got[0].Op)
	assert.Equal(t, []string{"u1"}, got[0].IDs)
	assert.Equal(t, OpUpsertMany, got[1].Op)
	assert.Equal(t, []string{"u2", "u3"}, got[1].IDs)
	assert.Equal(t, 3, got[1].Snapshot.Len())
	assert.Equal(t, NameUsers, got[1].Store)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			s.UpsertOne(model.User{ID: id, Screenname: id})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	assert.Equal(t, uint64(50), s.Snapshot().Version())
}

func TestUpsertKeepsArrivalPosition(t *testing.T) {
	s := NewStore[model.User](NameUsers, nil)
	s.UpsertOne(model.User{ID: "b"})
	s.UpsertOne(model.User{ID: "a"})
	s.UpsertOne(model.User{ID: "b", Screenname: "again"})

	assert.Equal(t, []string{"b", "a"}, s.Snapshot().IDs())
}
