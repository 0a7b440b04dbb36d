package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/store"
	"github.com/slink/im-client/internal/window"
)

var tailCmd = &cobra.Command{
	Use:   "tail <channel-id>",
	Short: "Follow a channel's messages live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		channelID := args[0]
		out := cmd.OutOrStdout()
		t := newTailer(s.app.Stores(), channelID, out)
		defer t.watch()()

		unwatch := s.app.Windows().Subscribe(func(ev window.Event) {
			if ev.Window.Key != channelID {
				return
			}
			switch ev.Kind {
			case window.EventConnected:
				fmt.Fprintln(out, statusStyle.Render("-- connected"))
			case window.EventDisconnected:
				fmt.Fprintln(out, statusStyle.Render("-- disconnected, reconnecting"))
			}
		})
		defer unwatch()

		if _, err := s.app.OpenChat(ctx, channelID); err != nil {
			return err
		}
		t.flush()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.dirty:
				if t.needsAuthors() {
					if err := s.app.EnsureUsers(ctx, channelID); err != nil {
						logger.Warn("fetching message authors", zap.Error(err))
					}
				}
				t.flush()
			}
		}
	},
}

// tailer prints a channel's messages oldest first, each exactly once. Store
// changes only mark it dirty; flush diffs the channel's messages against what
// was already printed, so a burst of pushes or a whole refetched history is
// never lost however long the printing loop is busy.
type tailer struct {
	stores    *store.Stores
	channelID string
	out       io.Writer
	printed   map[string]bool
	dirty     chan struct{}
}

func newTailer(stores *store.Stores, channelID string, out io.Writer) *tailer {
	return &tailer{
		stores:    stores,
		channelID: channelID,
		out:       out,
		printed:   make(map[string]bool),
		dirty:     make(chan struct{}, 1),
	}
}

// watch marks the tailer dirty on every change touching its channel and
// returns the function that stops watching.
func (t *tailer) watch() func() {
	return t.stores.Messages.Subscribe(func(c store.Change[model.Message]) {
		for _, id := range c.IDs {
			if m, ok := c.Snapshot.Get(id); ok && m.ChannelID == t.channelID {
				t.markDirty()
				return
			}
		}
	})
}

func (t *tailer) markDirty() {
	select {
	case t.dirty <- struct{}{}:
	default:
		// Already pending; the next flush sees this change too.
	}
}

func (t *tailer) pending() []model.Message {
	var out []model.Message
	for _, m := range t.stores.ChannelMessages(t.channelID) {
		if !t.printed[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// needsAuthors reports whether an unprinted message has an unknown author.
func (t *tailer) needsAuthors() bool {
	for _, m := range t.pending() {
		if _, ok := t.stores.Users.Get(m.UserID); !ok {
			return true
		}
	}
	return false
}

// flush prints every unprinted message and returns how many it printed.
func (t *tailer) flush() int {
	ms := t.pending()
	for _, m := range ms {
		t.printed[m.ID] = true
		printMessage(t.out, t.stores, m)
	}
	return len(ms)
}

func printMessage(out io.Writer, stores *store.Stores, m model.Message) {
	author := m.UserID
	if u, ok := stores.Users.Get(m.UserID); ok {
		author = u.Screenname
	}
	fmt.Fprintf(out, "%s %s: %s\n",
		timeStyle.Render(m.CreatedAt.Local().Format("15:04:05")),
		nameStyle.Render(author),
		m.Body,
	)
}
