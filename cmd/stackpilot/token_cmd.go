package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/auth"
)

type tokenOpts struct {
	subject string
	secret  string
	expiry  time.Duration
}

func newToken() *tokenOpts {
	return &tokenOpts{}
}

func (opts *tokenOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the /v1 API",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "admin", "subject recorded in the token")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "signing secret; defaults to JWT_SECRET")
	cmd.Flags().DurationVar(&opts.expiry, "expiry", 365*24*time.Hour, "token lifetime")
	return cmd
}

func (opts *tokenOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	secret := opts.secret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return newUsageError("a signing secret is required: pass --secret or set JWT_SECRET")
	}
	if len(secret) < 32 {
		return errors.New("signing secret must be at least 32 characters")
	}
	if opts.expiry <= 0 {
		return newUsageError("--expiry must be positive")
	}

	token, err := auth.NewService([]byte(secret), opts.expiry, nil).GenerateToken(opts.subject)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
