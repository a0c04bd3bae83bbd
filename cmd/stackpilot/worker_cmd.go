package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/shutdown"
)

type workerOpts struct {
	*rootOpts
}

func newWorker(parent *rootOpts) *workerOpts {
	return &workerOpts{rootOpts: parent}
}

func (opts *workerOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone build worker against the shared queue",
		RunE:  opts.RunE,
	}
}

func (opts *workerOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	cfg, log, err := opts.config()
	if err != nil {
		return err
	}
	if cfg.QueueBackend != "postgres" {
		return errors.New("a standalone worker requires QUEUE_BACKEND=postgres")
	}

	a, err := newApp(cfg, log.Logger)
	if err != nil {
		return err
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	a.registerClosers(coordinator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := a.newBuildWorker(ctx)
	if err := worker.Start(ctx); err != nil {
		coordinator.Shutdown()
		return fmt.Errorf("starting build worker: %w", err)
	}
	coordinator.Register(shutdown.Stopper("build-worker", worker.Stop))

	if err := coordinator.WaitForSignal(nil); err != nil {
		return err
	}
	if code := coordinator.ExitCode(); code != 0 {
		return exitError{code: code}
	}
	log.Info("build worker stopped")
	return nil
}
