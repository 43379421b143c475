// Package main is the entry point for the tubelytics CLI.
//
// tubelytics can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	tubelytics serve -c config.yaml              # Start the API server
//	tubelytics validate -c config.yaml           # Validate configuration
//	tubelytics query -c config.yaml item <id>    # Run a one-shot query
//	tubelytics version                           # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "tubelytics",
	Short: "Live video search subscriptions",
	Long: `tubelytics streams new video search results as they appear.

It polls the YouTube Data API for each subscribed topic, pushes only the
videos a subscriber has not seen yet, and serves one-shot lookups (video
tags, tag search, channel profiles, word statistics) over HTTP.

Quick start:
  1. Create a config file (tubelytics.yaml)
  2. Run: tubelytics serve -c tubelytics.yaml
  3. Stream: curl -N 'http://localhost:8080/api/subscribe?q=golang'

Example config:
  port: 8080
  poll_interval: 30s
  upstream:
    api_key: ${YOUTUBE_API_KEY}`,
	SilenceUsage: true,
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this tubelytics binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tubelytics %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates a JSON logger on stderr for CLI use.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromString(level),
	}))
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
