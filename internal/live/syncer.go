// Package live keeps the entity stores in step with the server. Syncer merges
// request/response results into the stores, and the resources it builds bind
// window subscriptions to the same stores, so both paths converge on one
// representation.
//
// Merge policy:
//
//	messages                      UpsertMany, never ReplaceAll (pushes race fetches)
//	channel, subscription lists   ReplaceAll (complete snapshots, not pushed in bulk)
//	single entities and pushes    UpsertOne
//	leaving a channel             RemoveOne
//
// A failed request leaves every store unchanged and returns the error as is.
package live

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/store"
)

// Gateway is the request/response surface Syncer drives. *api.Client
// implements it.
type Gateway interface {
	FetchChannels(ctx context.Context) (map[string]model.Channel, error)
	FetchChannel(ctx context.Context, channelID string) (model.Channel, error)
	FetchChannelUsers(ctx context.Context, channelID string) (map[string]model.User, error)
	CreateChannel(ctx context.Context, name string, private bool) (model.Channel, error)
	CreateChat(ctx context.Context, userIDs []string) (model.Channel, error)
	JoinChannel(ctx context.Context, channelID string) (string, error)
	LeaveChannel(ctx context.Context, channelID string) (string, error)
	SearchChannels(ctx context.Context, query string) ([]model.Channel, error)

	FetchMessages(ctx context.Context, channelID string) (map[string]model.Message, error)
	CreateMessage(ctx context.Context, channelID, body string) (model.Message, error)

	FetchUser(ctx context.Context, userID string) (model.User, error)
	FetchUsers(ctx context.Context, userIDs []string) (map[string]model.User, error)
	SearchUsers(ctx context.Context, query string) ([]model.User, error)

	FetchSubscriptions(ctx context.Context) (map[string]model.Subscription, error)
}

// Syncer applies gateway results to the stores.
type Syncer struct {
	gw     Gateway
	stores *store.Stores
	logger *zap.Logger

	// background refetches started from subscription callbacks
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewSyncer creates a Syncer over stores.
func NewSyncer(gw Gateway, stores *store.Stores, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		gw:     gw,
		stores: stores,
		logger: logger.Named("live"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stores returns the stores the Syncer writes to.
func (s *Syncer) Stores() *store.Stores { return s.stores }

// Close cancels background refetches and waits for them to finish.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until background refetches started so far have finished.
func (s *Syncer) Wait() { s.wg.Wait() }

func (s *Syncer) background(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("background "+name+" failed", zap.Error(err))
		}
	}()
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// FetchChannels replaces the channel list with the server's listing.
func (s *Syncer) FetchChannels(ctx context.Context) error {
	channels, err := s.gw.FetchChannels(ctx)
	if err != nil {
		return err
	}
	s.stores.Channels.ReplaceAll(channels)
	return nil
}

// FetchChannel refreshes one channel.
func (s *Syncer) FetchChannel(ctx context.Context, channelID string) (model.Channel, error) {
	ch, err := s.gw.FetchChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	s.stores.Channels.UpsertOne(ch)
	return ch, nil
}

// FetchChannelUsers merges a channel's members into the user store.
func (s *Syncer) FetchChannelUsers(ctx context.Context, channelID string) error {
	users, err := s.gw.FetchChannelUsers(ctx, channelID)
	if err != nil {
		return err
	}
	s.stores.Users.UpsertMany(users)
	return nil
}

// CreateChannel creates a channel and adds it to the store.
func (s *Syncer) CreateChannel(ctx context.Context, name string, private bool) (model.Channel, error) {
	ch, err := s.gw.CreateChannel(ctx, name, private)
	if err != nil {
		return model.Channel{}, err
	}
	s.stores.Channels.UpsertOne(ch)
	return ch, nil
}

// CreateChat finds or creates the chat with userIDs and adds it to the store.
func (s *Syncer) CreateChat(ctx context.Context, userIDs []string) (model.Channel, error) {
	ch, err := s.gw.CreateChat(ctx, userIDs)
	if err != nil {
		return model.Channel{}, err
	}
	s.stores.Channels.UpsertOne(ch)
	return ch, nil
}

// JoinChannel subscribes to a channel, then refreshes the channel list and
// subscriptions so the joined channel appears in both.
func (s *Syncer) JoinChannel(ctx context.Context, channelID string) error {
	if _, err := s.gw.JoinChannel(ctx, channelID); err != nil {
		return err
	}
	if err := s.FetchChannels(ctx); err != nil {
		return err
	}
	return s.FetchSubscriptions(ctx)
}

// DestroyChannel leaves a channel and removes it, and the user's
// subscriptions to it, from the stores.
func (s *Syncer) DestroyChannel(ctx context.Context, channelID string) error {
	if _, err := s.gw.LeaveChannel(ctx, channelID); err != nil {
		return err
	}
	s.stores.Channels.RemoveOne(channelID)
	for _, sub := range s.stores.Subscriptions.Snapshot().Values() {
		if sub.ChannelID == channelID {
			s.stores.Subscriptions.RemoveOne(sub.ID)
		}
	}
	return nil
}

// SearchChannels looks up public channels. Results are not cached.
func (s *Syncer) SearchChannels(ctx context.Context, query string) ([]model.Channel, error) {
	return s.gw.SearchChannels(ctx, query)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// FetchMessages merges a channel's history into the message store. Messages
// pushed while the request was in flight survive the merge.
func (s *Syncer) FetchMessages(ctx context.Context, channelID string) error {
	messages, err := s.gw.FetchMessages(ctx, channelID)
	if err != nil {
		return err
	}
	s.stores.Messages.UpsertMany(messages)
	return nil
}

// CreateMessage posts a message over HTTP and stores the server's copy.
func (s *Syncer) CreateMessage(ctx context.Context, channelID, body string) (model.Message, error) {
	m, err := s.gw.CreateMessage(ctx, channelID, body)
	if err != nil {
		return model.Message{}, err
	}
	s.stores.Messages.UpsertOne(m)
	return m, nil
}

// ---------------------------------------------------------------------------
// Users and subscriptions
// ---------------------------------------------------------------------------

// FetchUser refreshes one user.
func (s *Syncer) FetchUser(ctx context.Context, userID string) (model.User, error) {
	u, err := s.gw.FetchUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	s.stores.Users.UpsertOne(u)
	return u, nil
}

// FetchUsers merges the given users into the user store.
func (s *Syncer) FetchUsers(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	users, err := s.gw.FetchUsers(ctx, userIDs)
	if err != nil {
		return err
	}
	s.stores.Users.UpsertMany(users)
	return nil
}

// SearchUsers looks up users by screenname. Results are not cached.
func (s *Syncer) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	return s.gw.SearchUsers(ctx, query)
}

// FetchSubscriptions replaces the subscription list with the server's.
func (s *Syncer) FetchSubscriptions(ctx context.Context) error {
	subs, err := s.gw.FetchSubscriptions(ctx)
	if err != nil {
		return err
	}
	s.stores.Subscriptions.ReplaceAll(subs)
	return nil
}
