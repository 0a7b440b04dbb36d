package live

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/api"
	"github.com/slink/im-client/internal/metrics"
	"github.com/slink/im-client/internal/protocol"
	"github.com/slink/im-client/internal/window"
)

// ChatResource binds a chat window to a channel's message stream. Each push
// is upserted into the message store. Every reconnect after the first
// re-fetches the channel's messages to recover what the server sent while the
// connection was down.
func (s *Syncer) ChatResource(channelID string) *window.Resource {
	logger := s.logger.With(zap.String("channel", channelID))
	return &window.Resource{
		Path: api.ChannelStreamPath(channelID),
		OnMessage: func(data json.RawMessage) {
			m, err := protocol.DecodeMessage(data)
			if err != nil {
				metrics.DecodeFailures.WithLabelValues("chat").Inc()
				logger.Warn("dropping undecodable message push", zap.Error(err))
				return
			}
			s.stores.Messages.UpsertOne(m)
		},
		OnConnect: func(reconnect bool) {
			if !reconnect {
				return
			}
			logger.Info("resubscribed, recovering missed messages")
			s.background("message refetch", func(ctx context.Context) error {
				return s.FetchMessages(ctx, channelID)
			})
		},
	}
}

// ChatsResource binds the channel list window to the stream of newly created
// chats. Each pushed channel is upserted into the channel store.
func (s *Syncer) ChatsResource() *window.Resource {
	return &window.Resource{
		Path: api.ChatsStreamPath,
		OnMessage: func(data json.RawMessage) {
			ch, err := protocol.DecodeChannel(data)
			if err != nil {
				metrics.DecodeFailures.WithLabelValues("chats").Inc()
				s.logger.Warn("dropping undecodable chat push", zap.Error(err))
				return
			}
			s.stores.Channels.UpsertOne(ch)
		},
	}
}
