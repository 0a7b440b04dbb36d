// Package app turns user intents into store, gateway and window operations.
// It is the layer views call into: every intent either changes which windows
// are open, merges server state into the stores, or both.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slink/im-client/internal/api"
	"github.com/slink/im-client/internal/live"
	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/protocol"
	"github.com/slink/im-client/internal/socket"
	"github.com/slink/im-client/internal/store"
	"github.com/slink/im-client/internal/window"
)

// Keys of the windows that are not chats. Chat windows are keyed by channel
// id.
const (
	ChannelListKey    = "channel-list"
	CreateChannelKey  = "create-channel"
	CreateChatKey     = "create-chat"
	SearchChannelsKey = "search-channels"
)

// ErrNotSignedIn is returned by intents that need a session.
var ErrNotSignedIn = errors.New("app: not signed in")

// Options configures an App.
type Options struct {
	Socket socket.Options
	Logger *zap.Logger
}

// App is one signed-in client session.
type App struct {
	client  *api.Client
	stores  *store.Stores
	syncer  *live.Syncer
	windows *window.Manager
	logger  *zap.Logger

	mu sync.RWMutex
	me *model.User
}

// New wires an App over client. stores may be pre-populated (from a cache).
func New(client *api.Client, stores *store.Stores, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Socket.Logger == nil {
		opts.Socket.Logger = logger
	}
	if stores == nil {
		stores = store.New(logger)
	}

	return &App{
		client:  client,
		stores:  stores,
		syncer:  live.NewSyncer(client, stores, logger),
		windows: window.NewManager(window.SocketOpener(client.Connector(opts.Socket)), logger),
		logger:  logger.Named("app"),
	}
}

// Stores returns the entity stores views read from.
func (a *App) Stores() *store.Stores { return a.stores }

// Windows returns the window manager.
func (a *App) Windows() *window.Manager { return a.windows }

// Close closes every window and waits for background work to stop. The
// session on the server is left alone.
func (a *App) Close() {
	a.windows.CloseAll()
	a.syncer.Close()
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// SignOn logs in and remembers the signed-in user.
func (a *App) SignOn(ctx context.Context, creds api.Credentials) (model.User, error) {
	u, err := a.client.Login(ctx, creds)
	if err != nil {
		return model.User{}, err
	}
	a.setMe(u)
	a.logger.Info("signed on", zap.String("user", u.ID))
	return u, nil
}

// SignUp registers an account and signs on as it.
func (a *App) SignUp(ctx context.Context, creds api.Credentials) (model.User, error) {
	u, err := a.client.SignUp(ctx, creds)
	if err != nil {
		return model.User{}, err
	}
	a.setMe(u)
	a.logger.Info("signed up", zap.String("user", u.ID))
	return u, nil
}

// SignOff closes every window and ends the session.
func (a *App) SignOff(ctx context.Context) error {
	a.windows.CloseAll()
	a.syncer.Wait()

	a.mu.Lock()
	a.me = nil
	a.mu.Unlock()

	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	a.logger.Info("signed off")
	return nil
}

// CurrentUser returns the signed-in user, asking the server when the session
// was established elsewhere (a saved cookie).
func (a *App) CurrentUser(ctx context.Context) (model.User, error) {
	if u, ok := a.Me(); ok {
		return u, nil
	}
	u, err := a.client.CurrentUser(ctx)
	if err != nil {
		return model.User{}, err
	}
	a.setMe(u)
	return u, nil
}

// Me returns the signed-in user without a request.
func (a *App) Me() (model.User, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.me == nil {
		return model.User{}, false
	}
	return *a.me, true
}

func (a *App) setMe(u model.User) {
	a.mu.Lock()
	a.me = &u
	a.mu.Unlock()
	a.stores.Users.UpsertOne(u)
}

// ---------------------------------------------------------------------------
// Channel list
// ---------------------------------------------------------------------------

// Start opens the channel list, subscribed to newly created chats, and loads
// the user's channels and subscriptions in parallel.
func (a *App) Start(ctx context.Context) error {
	if _, ok := a.Me(); !ok {
		return ErrNotSignedIn
	}
	a.windows.OpenWindow(ChannelListKey, a.syncer.ChatsResource(), nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.syncer.FetchChannels(ctx) })
	g.Go(func() error { return a.syncer.FetchSubscriptions(ctx) })
	return g.Wait()
}

// Channels returns the signed-in user's channels, sorted by name.
func (a *App) Channels() []model.Channel {
	u, ok := a.Me()
	if !ok {
		return nil
	}
	return a.stores.SubscribedChannels(u.ID)
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

// OpenChat opens the chat window for a channel. A newly opened window loads
// the channel, its members and its history, in that order; re-opening an
// open chat only raises it.
func (a *App) OpenChat(ctx context.Context, channelID string) (window.Window, error) {
	w, created := a.windows.OpenWindow(channelID, a.syncer.ChatResource(channelID), nil)
	if !created {
		return w, nil
	}

	if _, err := a.syncer.FetchChannel(ctx, channelID); err != nil {
		return w, err
	}
	if err := a.syncer.FetchChannelUsers(ctx, channelID); err != nil {
		return w, err
	}
	if err := a.syncer.FetchMessages(ctx, channelID); err != nil {
		return w, err
	}
	return w, a.EnsureUsers(ctx, channelID)
}

// CloseChat closes a chat window.
func (a *App) CloseChat(channelID string) bool {
	return a.windows.CloseWindow(channelID)
}

// SendMessage posts body to an open chat through its subscription.
func (a *App) SendMessage(channelID, body string) error {
	data, err := protocol.NewOutgoingMessage(body)
	if err != nil {
		return err
	}
	if err := a.windows.Send(channelID, json.RawMessage(data)); err != nil {
		return fmt.Errorf("app: send to %s: %w", channelID, err)
	}
	return nil
}

// PostMessage posts body over HTTP, for callers without an open chat window.
func (a *App) PostMessage(ctx context.Context, channelID, body string) (model.Message, error) {
	if err := protocol.ValidateBody(body); err != nil {
		return model.Message{}, err
	}
	return a.syncer.CreateMessage(ctx, channelID, body)
}

// Messages returns a channel's cached messages, oldest first.
func (a *App) Messages(channelID string) []model.Message {
	return a.stores.ChannelMessages(channelID)
}

// EnsureUsers fetches the authors of a channel's messages that are missing
// from the user store, such as members who have since left.
func (a *App) EnsureUsers(ctx context.Context, channelID string) error {
	return a.syncer.FetchUsers(ctx, a.stores.MissingUsers(channelID))
}

// ---------------------------------------------------------------------------
// Utility windows
// ---------------------------------------------------------------------------

// OpenCreateChannel opens the create-channel form.
func (a *App) OpenCreateChannel() window.Window {
	w, _ := a.windows.OpenWindow(CreateChannelKey, nil, nil)
	return w
}

// OpenCreateChat opens the create-chat form.
func (a *App) OpenCreateChat() window.Window {
	w, _ := a.windows.OpenWindow(CreateChatKey, nil, nil)
	return w
}

// OpenSearchChannels opens channel search.
func (a *App) OpenSearchChannels() window.Window {
	w, _ := a.windows.OpenWindow(SearchChannelsKey, nil, nil)
	return w
}

// CreateChannel creates a channel, opens it, and closes the create-channel
// form. On failure the form stays open and the error carries the server's
// messages.
func (a *App) CreateChannel(ctx context.Context, name string, private bool) (model.Channel, error) {
	ch, err := a.syncer.CreateChannel(ctx, name, private)
	if err != nil {
		return model.Channel{}, err
	}
	if err := a.syncer.FetchSubscriptions(ctx); err != nil {
		return ch, err
	}
	a.windows.CloseWindow(CreateChannelKey)
	_, err = a.OpenChat(ctx, ch.ID)
	return ch, err
}

// CreateChat opens the chat with userIDs, creating it if needed, and closes
// the create-chat form.
func (a *App) CreateChat(ctx context.Context, userIDs []string) (model.Channel, error) {
	ch, err := a.syncer.CreateChat(ctx, userIDs)
	if err != nil {
		return model.Channel{}, err
	}
	if err := a.syncer.FetchSubscriptions(ctx); err != nil {
		return ch, err
	}
	a.windows.CloseWindow(CreateChatKey)
	_, err = a.OpenChat(ctx, ch.ID)
	return ch, err
}

// SearchChannels looks up public channels by name.
func (a *App) SearchChannels(ctx context.Context, query string) ([]model.Channel, error) {
	return a.syncer.SearchChannels(ctx, query)
}

// SearchUsers looks up users by screenname.
func (a *App) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	return a.syncer.SearchUsers(ctx, query)
}

// JoinFromSearch joins a channel found by search, opens it, and closes the
// search window.
func (a *App) JoinFromSearch(ctx context.Context, channelID string) error {
	if err := a.syncer.JoinChannel(ctx, channelID); err != nil {
		return err
	}
	a.windows.CloseWindow(SearchChannelsKey)
	_, err := a.OpenChat(ctx, channelID)
	return err
}

// LeaveChannel closes the channel's chat window and leaves it.
func (a *App) LeaveChannel(ctx context.Context, channelID string) error {
	a.windows.CloseWindow(channelID)
	return a.syncer.DestroyChannel(ctx, channelID)
}
