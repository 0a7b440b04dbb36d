package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slink/im-client/internal/messaging"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow store changes mirrored to NATS by other slink sessions",
	Long: `watch subscribes to the store change subjects (slink.store.>) that a
session with the mirror enabled publishes to, and prints one line per change
until interrupted. It does not sign on.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Mirror.URL
		natsCfg.Name = "slink-watch"
		natsCfg.Logger = logger
		nc, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()

		out := cmd.OutOrStdout()
		err = nc.Subscribe(messaging.SubjectAllStores, func(data []byte) {
			ev, err := messaging.DecodeChange(data)
			if err != nil {
				logger.Warn("skipping change", zap.Error(err))
				return
			}
			fmt.Fprintln(out, formatChange(ev))
		})
		if err != nil {
			return err
		}
		if err := nc.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(out, statusStyle.Render("-- watching "+messaging.SubjectAllStores))

		<-ctx.Done()
		return nc.Unsubscribe(messaging.SubjectAllStores)
	},
}

const maxListedIDs = 5

func formatChange(ev messaging.ChangeEvent[json.RawMessage]) string {
	ids := ev.IDs
	more := ""
	if len(ids) > maxListedIDs {
		more = fmt.Sprintf(" (+%d more)", len(ids)-maxListedIDs)
		ids = ids[:maxListedIDs]
	}
	return fmt.Sprintf("%s %s v%d %s%s",
		nameStyle.Render(ev.Store),
		ev.Op,
		ev.Version,
		idStyle.Render(strings.Join(ids, ",")),
		more,
	)
}
