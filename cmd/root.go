// Package cmd is the giglink command-line client.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "giglink",
	Short: "GigLink messaging client",
	Long: `giglink is a headless client for the GigLink backend: direct messages,
read receipts, typing indicators and the notification feed.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("pretty", true, "human-readable log output")
	rootCmd.PersistentFlags().String("api-url", "", "override the configured REST base URL (\"mdns\" to discover)")
}
