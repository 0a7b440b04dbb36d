package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slink/im-client/internal/config"
)

var (
	configPath string
	baseURL    string
	verbose    bool
	screenname string
	password   string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "slink",
	Short: "Command-line client for the slink instant messenger",
	Long: `slink signs on to a slink server, keeps a live view of your channels
and chats over push subscriptions, and lets you read and post messages.

Quick Start:
  slink channels                      # List your channels
  slink tail <channel-id>             # Follow a channel live
  slink send <channel-id> hello       # Post a message`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if baseURL != "" {
			cfg.Server.BaseURL = baseURL
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err = cfg.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Server origin (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&screenname, "screenname", "", "Screenname to sign on as (default $SLINK_SCREENNAME)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Password (default $SLINK_PASSWORD)")

	rootCmd.AddCommand(channelsCmd, tailCmd, sendCmd, createChannelCmd, chatCmd, leaveCmd, searchCmd, watchCmd)
}

func defaultConfigPath() string {
	if v := os.Getenv("SLINK_CONFIG"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "slink", "config.yaml")
}
