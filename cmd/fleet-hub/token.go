// ABOUTME: token command: mints a JWT for observers or operators from the hub's secret
// ABOUTME: Observe tokens can watch the fleet; operate tokens can also send commands

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/fleet-hub/internal/auth"
	"github.com/2389/fleet-hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an access token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg, subject, scope, ttl)
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(token), 0600); err != nil {
					return fmt.Errorf("writing token file: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "token written to %s (expires %s)\n", outPath, time.Now().Add(ttl).Format("Jan 02, 2006"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "who the token is for (required)")
	cmd.Flags().StringVar(&scope, "scope", string(auth.ScopeObserve), "observe or operate")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the token to a file instead of stdout")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func mintToken(cfg *config.Config, subject, scope string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	s, err := auth.ParseScope(scope)
	if err != nil {
		return "", err
	}
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, s, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
