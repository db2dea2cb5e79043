package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	serverURL string
	tokenFlag string
)

// rootCmd is the base command when relayctl is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Operator CLI for the chatrelay server",
	Long: `relayctl mints connection tokens, checks server status and exercises
the relay over a real websocket connection.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "relay base URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "connection token (defaults to CHATRELAY_TOKEN)")
}

// credential resolves the connection token from the flag or environment.
func credential() string {
	if tokenFlag != "" {
		return tokenFlag
	}
	return os.Getenv("CHATRELAY_TOKEN")
}

// wsURL derives the websocket endpoint from the --server base URL.
func wsURL() string {
	base := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
