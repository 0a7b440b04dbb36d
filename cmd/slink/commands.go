package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	createPrivate bool
	searchUsers   bool
)

var (
	// Styles
	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List your channels and chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.app.Start(ctx); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND")
		for _, ch := range s.app.Channels() {
			kind := "channel"
			if ch.Private {
				kind = "chat"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", ch.ID, ch.Name, kind)
		}
		return w.Flush()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>...",
	Short: "Post a message to a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := s.app.PostMessage(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), idStyle.Render(m.ID))
		return nil
	},
}

var createChannelCmd = &cobra.Command{
	Use:   "create-channel <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ch, err := s.app.CreateChannel(ctx, args[0], createPrivate)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ch.Name, idStyle.Render(ch.ID))
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>...",
	Short: "Open (or create) a private chat with users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ch, err := s.app.CreateChat(ctx, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ch.Name, idStyle.Render(ch.ID))
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <channel-id>",
	Short: "Leave a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.app.LeaveChannel(ctx, args[0])
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search public channels, or users with --users",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		if searchUsers {
			users, err := s.app.SearchUsers(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tSCREENNAME")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\n", u.ID, u.Screenname)
			}
			return w.Flush()
		}

		channels, err := s.app.SearchChannels(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tNAME")
		for _, ch := range channels {
			fmt.Fprintf(w, "%s\t%s\n", ch.ID, ch.Name)
		}
		return w.Flush()
	},
}

func init() {
	createChannelCmd.Flags().BoolVar(&createPrivate, "private", false, "Create a private channel")
	searchCmd.Flags().BoolVar(&searchUsers, "users", false, "Search users instead of channels")
}
