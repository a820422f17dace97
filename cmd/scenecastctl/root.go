package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

func newRootCommand() *cobra.Command {
	var (
		apiURL  string
		timeout time.Duration
	)

	ctx := newCommandContext(&apiURL, &timeout)

	rootCmd := &cobra.Command{
		Use:           "scenecastctl",
		Short:         "Submit and watch scenecast renders",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("SCENECAST_API_URL", defaultAPIURL), "Base URL of the scenecast API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request HTTP timeout")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newProgressCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))

	return rootCmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
