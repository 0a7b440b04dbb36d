package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slink/im-client/internal/model"
)

func TestChannelMessagesStableSortByCreatedAt(t *testing.T) {
	stores := New(nil)
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	stores.Messages.UpsertOne(msg("late", "c1", t0.Add(2*time.Second)))
	stores.Messages.UpsertOne(msg("tie-first", "c1", t0))
	stores.Messages.UpsertOne(msg("other", "c2", t0))
	stores.Messages.UpsertOne(msg("tie-second", "c1", t0))

	got := stores.ChannelMessages("c1")
	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"tie-first", "tie-second", "late"}, ids)
}

func TestSubscribedChannelsJoin(t *testing.T) {
	stores := New(nil)
	stores.Channels.ReplaceAll(map[string]model.Channel{
		"c1": {ID: "c1", Name: "zeta"},
		"c2": {ID: "c2", Name: "alpha"},
		"c3": {ID: "c3", Name: "not mine"},
	})
	stores.Subscriptions.ReplaceAll(map[string]model.Subscription{
		"s1": {ID: "s1", UserID: "me", ChannelID: "c1"},
		"s2": {ID: "s2", UserID: "me", ChannelID: "c2"},
		"s3": {ID: "s3", UserID: "them", ChannelID: "c3"},
		"s4": {ID: "s4", UserID: "me", ChannelID: "unfetched"},
	})

	got := stores.SubscribedChannels("me")

	assert.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, "zeta", got[1].Name)
}

func TestPrivatePublicSplit(t *testing.T) {
	stores := New(nil)
	stores.Channels.ReplaceAll(map[string]model.Channel{
		"c1": {ID: "c1", Name: "World Chat"},
		"c2": {ID: "c2", Name: "alice, bob", Private: true},
	})

	assert.Equal(t, []model.Channel{{ID: "c2", Name: "alice, bob", Private: true}}, stores.PrivateChannels())
	assert.Equal(t, []model.Channel{{ID: "c1", Name: "World Chat"}}, stores.PublicChannels())
}

func TestMissingUsers(t *testing.T) {
	stores := New(nil)
	t0 := time.Now()
	stores.Users.UpsertOne(model.User{ID: "known"})
	stores.Messages.UpsertMany(map[string]model.Message{
		"m1": {ID: "m1", ChannelID: "c1", UserID: "known", CreatedAt: t0},
		"m2": {ID: "m2", ChannelID: "c1", UserID: "stranger", CreatedAt: t0.Add(time.Second)},
		"m3": {ID: "m3", ChannelID: "c1", UserID: "stranger", CreatedAt: t0.Add(2 * time.Second)},
	})

	assert.Equal(t, []string{"stranger"}, stores.MissingUsers("c1"))
}
