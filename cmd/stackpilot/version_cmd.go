package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/api"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output the version of stackpilot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errorWantedNoArgs
			}
			fmt.Fprintln(cmd.OutOrStdout(), api.Version)
			return nil
		},
	}
}
