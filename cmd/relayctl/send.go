package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/pkg/client"
	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/utils"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message and wait for its broadcast echo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := credential()
		if tok == "" {
			return fmt.Errorf("no token: pass --token or set CHATRELAY_TOKEN")
		}

		sess := client.NewSession(client.SessionConfig{
			URL:   wsURL(),
			Token: func() string { return tok },
		})

		corr := utils.GenID()
		echo := make(chan models.Message, 1)
		sess.On(protocol.EvMessage, func(raw json.RawMessage) {
			var m models.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return
			}
			if m.CorrelationID == corr {
				select {
				case echo <- m:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		if err := sess.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", wsURL(), err)
		}
		defer sess.Disconnect()

		if err := sess.Emit(protocol.EvSendMessage, protocol.SendMessage{Text: args[0], CorrelationID: corr}); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		select {
		case m := <-echo:
			fmt.Printf("confirmed id=%s createdAt=%s\n", m.ID, time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339))
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no echo within %s", sendTimeout)
		}
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the echo")
	rootCmd.AddCommand(sendCmd)
}
