package store

import (
	"sort"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/model"
)

// Store names used for logging, metrics and change mirroring.
const (
	NameUsers         = "users"
	NameChannels      = "channels"
	NameMessages      = "messages"
	NameSubscriptions = "subscriptions"
)

// Stores is the explicitly constructed entity cache shared by every window
// and view of one signed-in client. Construct it once at start-up; tests build
// a fresh one per test.
type Stores struct {
	Users         *Store[model.User]
	Channels      *Store[model.Channel]
	Messages      *Store[model.Message]
	Subscriptions *Store[model.Subscription]
}

// New creates an empty set of stores.
func New(logger *zap.Logger) *Stores {
	return &Stores{
		Users:         NewStore[model.User](NameUsers, logger),
		Channels:      NewStore[model.Channel](NameChannels, logger),
		Messages:      NewStore[model.Message](NameMessages, logger),
		Subscriptions: NewStore[model.Subscription](NameSubscriptions, logger),
	}
}

// SubscribedChannels joins the Subscription store on userID with the Channel
// store. Subscriptions whose channel has not been fetched yet are skipped.
// The result is ordered by channel name, then id.
func (s *Stores) SubscribedChannels(userID string) []model.Channel {
	subs := s.Subscriptions.Snapshot()
	channels := s.Channels.Snapshot()

	seen := make(map[string]bool)
	var out []model.Channel
	for _, sub := range subs.Values() {
		if sub.UserID != userID || seen[sub.ChannelID] {
			continue
		}
		if ch, ok := channels.Get(sub.ChannelID); ok {
			seen[sub.ChannelID] = true
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out
}

// ChannelMessages returns the messages of one channel in display order:
// CreatedAt ascending, ties broken by arrival order.
func (s *Stores) ChannelMessages(channelID string) []model.Message {
	var out []model.Message
	for _, m := range s.Messages.Snapshot().Values() {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PrivateChannels returns the cached direct/group chats, ordered by name.
func (s *Stores) PrivateChannels() []model.Channel {
	return s.filterChannels(true)
}

// PublicChannels returns the cached public channels, ordered by name.
func (s *Stores) PublicChannels() []model.Channel {
	return s.filterChannels(false)
}

func (s *Stores) filterChannels(private bool) []model.Channel {
	var out []model.Channel
	for _, ch := range s.Channels.Snapshot().Values() {
		if ch.Private == private {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out
}

// MissingUsers returns the author ids of a channel's messages that are not in
// the Users store yet, in first-seen order.
func (s *Stores) MissingUsers(channelID string) []string {
	users := s.Users.Snapshot()
	seen := make(map[string]bool)
	var out []string
	for _, m := range s.ChannelMessages(channelID) {
		if m.UserID == "" || seen[m.UserID] || users.Has(m.UserID) {
			continue
		}
		seen[m.UserID] = true
		out = append(out, m.UserID)
	}
	return out
}

func sortChannels(chs []model.Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].Name != chs[j].Name {
			return chs[i].Name < chs[j].Name
		}
		return chs[i].ID < chs[j].ID
	})
}
