package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/secrets"
)

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age key pair for sealing configuration secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errorWantedNoArgs
			}
			recipient, identity, err := secrets.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "AGE_RECIPIENT=%s\n", recipient)
			fmt.Fprintf(out, "AGE_IDENTITY=%s\n", identity)
			return nil
		},
	}
}
