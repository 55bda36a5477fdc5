// Package cmd implements the CLI commands for relaycast.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaycast/relaycast/internal/config"
	"github.com/relaycast/relaycast/internal/observability"
	"github.com/relaycast/relaycast/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "relaycast",
	Short:   "Shared live-stream relay and broadcast hub",
	Version: version.Short(),
	Long: `relaycast relays live video streams through a single shared upstream
connection per channel. One ffmpeg process normalizes each stream's audio to
AAC and its container to MPEG-TS, and any number of clients can watch the
same channel without multiplying upstream load.

It also proxies JSON documents and IPTV playlists, rewriting playlist
entries so segment requests route back through the relay.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Flags are not bound to viper; explicitly set flags override loaded
	// config in loadConfig. This keeps the priority order
	// flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/relaycast)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig loads configuration, applies CLI flag overrides and installs
// the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)

	return cfg, nil
}
