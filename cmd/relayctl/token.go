package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/models"
)

var (
	tokenID       string
	tokenUsername string
	tokenSecret   string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed connection token",
	Long: `Mint a JWT the relay accepts at the websocket handshake and on the
history API. The signing secret must match the server's JWT_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: pass --secret or set JWT_SECRET")
		}
		tok, err := auth.MintToken(models.Identity{ID: tokenID, Username: tokenUsername}, secret, tokenTTL)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "identity id (required)")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "display name (required)")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (defaults to JWT_SECRET)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 7*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("id")
	_ = tokenCmd.MarkFlagRequired("username")
	rootCmd.AddCommand(tokenCmd)
}
