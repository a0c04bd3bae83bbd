package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/internal/api"
	"github.com/narvanalabs/stackpilot/internal/auth"
	"github.com/narvanalabs/stackpilot/internal/shutdown"
	"github.com/narvanalabs/stackpilot/internal/webhook"
)

type serveOpts struct {
	*rootOpts
	noWorker bool
}

func newServe(parent *rootOpts) *serveOpts {
	return &serveOpts{rootOpts: parent}
}

func (opts *serveOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, with an embedded build worker unless disabled",
		RunE:  opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.noWorker, "no-worker", false,
		"do not run a build worker in this process (overrides WORKER_EMBEDDED)")
	return cmd
}

func (opts *serveOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	cfg, log, err := opts.config()
	if err != nil {
		return err
	}
	embedded := cfg.Worker.Embedded && !opts.noWorker
	if !embedded && cfg.QueueBackend == "memory" {
		return errors.New("QUEUE_BACKEND=memory requires the embedded build worker")
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

	if embedded {
		worker := a.newBuildWorker(ctx)
		if err := worker.Start(ctx); err != nil {
			coordinator.Shutdown()
			return fmt.Errorf("starting build worker: %w", err)
		}
		coordinator.Register(shutdown.Stopper("build-worker", worker.Stop))
	} else if _, err := a.orch.Reconcile(ctx); err != nil {
		log.Warn("failed to reconcile stale deployments", "error", err)
	}

	server := api.NewServer(cfg, api.Deps{
		Orchestrator: a.orch,
		Webhook:      webhook.NewProcessor(cfg.Webhook.Secret, a.orch, a.metrics, log.Logger),
		Auth:         auth.NewService([]byte(cfg.JWTSecret), 0, log.Logger),
		Metrics:      a.metrics,
		Health:       a.healthChecks(),
	}, log.Logger)
	coordinator.Register(shutdown.Func("api-server", server.Shutdown))

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting API server", "addr", cfg.ListenAddr(), "embedded_worker", embedded)
		serveErr <- server.ListenAndServe()
	}()

	if err := coordinator.WaitForSignal(serveErr); err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	if code := coordinator.ExitCode(); code != 0 {
		return exitError{code: code}
	}
	log.Info("stackpilot stopped")
	return nil
}
