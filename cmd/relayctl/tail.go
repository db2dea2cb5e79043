package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/pkg/client"
	"chatrelay/pkg/protocol"
)

var tailPresence bool

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream relay broadcasts to stdout",
	Long: `Connect to the relay and print every broadcast as one line:
RFC3339 timestamp, event name, raw JSON payload. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := credential()
		if tok == "" {
			return fmt.Errorf("no token: pass --token or set CHATRELAY_TOKEN")
		}

		sess := client.NewSession(client.SessionConfig{
			URL:   wsURL(),
			Token: func() string { return tok },
		})

		line := func(event string) func(json.RawMessage) {
			return func(raw json.RawMessage) {
				fmt.Printf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), event, string(raw))
			}
		}
		events := []string{
			protocol.EvMessage,
			protocol.EvEditMessage,
			protocol.EvDeleteMessage,
			protocol.EvReaction,
			protocol.EvReplyCreated,
			protocol.EvRateLimit,
			protocol.EvError,
		}
		if tailPresence {
			events = append(events, protocol.EvOnlineUsers)
		}
		for _, ev := range events {
			sess.On(ev, line(ev))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sess.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", wsURL(), err)
		}
		defer sess.Disconnect()

		fmt.Fprintf(os.Stderr, "tailing %s (ctrl-c to stop)\n", wsURL())
		<-ctx.Done()
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVar(&tailPresence, "presence", false, "include onlineUsers broadcasts")
	rootCmd.AddCommand(tailCmd)
}
