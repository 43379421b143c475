package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/tubelytics"
	"github.com/jpalmerr/tubelytics/config"
)

// queryKinds maps command-line names to one-shot query kinds.
var queryKinds = map[string]tubelytics.Kind{
	"item":      tubelytics.ItemDetail,
	"tag":       tubelytics.TagSearch,
	"channel":   tubelytics.ChannelProfile,
	"wordstats": tubelytics.WordStats,
	"search":    tubelytics.Search,
}

// queryCmd runs a single one-shot query and prints the JSON result.
var queryCmd = &cobra.Command{
	Use:   "query <item|tag|channel|wordstats|search> <param>",
	Short: "Run a one-shot query",
	Long: `Run a single one-shot query against the upstream and print the result
as JSON.

Kinds:
  item       video details and tags by video id
  tag        videos for a tag
  channel    channel profile and its latest videos
  wordstats  word frequencies over a topic's video descriptions
  search     first videos with a description for a topic

Example:
  tubelytics query -c config.yaml item dQw4w9WgXcQ
  tubelytics query -c config.yaml wordstats "golang generics"`,
	Args: cobra.ExactArgs(2),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	queryCmd.Flags().String("session", "", "session id to record search history under")
	_ = queryCmd.MarkFlagRequired("config")
}

func parseKind(name string) (tubelytics.Kind, error) {
	kind, ok := queryKinds[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown kind %q (expected item, tag, channel, wordstats or search)", name)
	}
	return kind, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts, tubelytics.WithLogger(newLogger(cmd)))

	tl, err := tubelytics.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create tubelytics: %w", err)
	}
	defer tl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	tl.Start(ctx)

	session, _ := cmd.Flags().GetString("session")
	resp, err := tl.Query(ctx, tubelytics.Request{Kind: kind, Param: args[1], Session: session})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
