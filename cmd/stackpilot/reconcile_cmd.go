package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/lifecycle"
)

type reconcileOpts struct {
	*rootOpts
}

func newReconcile(parent *rootOpts) *reconcileOpts {
	return &reconcileOpts{rootOpts: parent}
}

func (opts *reconcileOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail deployment attempts that have been open longer than STALE_DEPLOYMENT_THRESHOLD",
		RunE:  opts.RunE,
	}
}

func (opts *reconcileOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	cfg, log, err := opts.config()
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := lifecycle.NewTracker(st, log.Logger, lifecycle.WithStaleAfter(cfg.Worker.StaleThreshold))
	n, err := tracker.ReconcileStale(ctx)
	if err != nil {
		return fmt.Errorf("reconciling stale deployments: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale deployment(s)\n", n)
	return nil
}
