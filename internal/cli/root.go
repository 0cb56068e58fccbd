// Package cli implements the pagerag command line client.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

var (
	heading = color.New(color.FgCyan, color.Bold).SprintFunc()
	success = color.New(color.FgGreen).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "pagerag",
	Short: "Ask questions about uploaded PDFs",
	Long: `pagerag talks to a pageragd server: upload PDFs, then ask questions that are
answered from the page images most relevant to them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PAGERAG_SERVER", "http://localhost:8080"), "pageragd base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PAGERAG_API_KEY"), "API key (default $PAGERAG_API_KEY)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *Client {
	return NewClient(serverURL, apiKey)
}
