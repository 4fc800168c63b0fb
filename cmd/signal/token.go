package main

import (
	"errors"
	"fmt"
	"time"

	"p2d/internal/core/services"
	"p2d/pkg/config"

	"github.com/spf13/cobra"
)

var (
	flagTokenName string
	flagTokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an admission token for /ws",
	Long: `Issue a signed admission token. Clients pass it as the token query
parameter when auth is enabled on the relay.

Examples:
  p2d-signal token alice
  p2d-signal token alice --name "Alice" --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("no signing secret: set auth.jwt_secret or P2D_JWT_SECRET")
		}

		ttl := cfg.Auth.TokenTTL
		if flagTokenTTL > 0 {
			ttl = flagTokenTTL
		}
		auth := services.NewAuthService(cfg.Auth.JWTSecret, ttl)

		token, err := auth.GenerateToken(args[0], flagTokenName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenName, "name", "", "display name embedded in the token")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
}
