package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/stackpilot/pkg/config"
	"github.com/narvanalabs/stackpilot/pkg/logger"
)

type rootOpts struct {
	LogLevel  string
	LogFormat string

	// loadConfig is replaced in tests.
	loadConfig func() (*config.Config, error)
}

func newRoot() *rootOpts {
	return &rootOpts{loadConfig: config.Load}
}

var rootLongHelp = strings.TrimSpace(`
stackpilot deploys applications, databases and one-click services onto a
container fleet.

Configuration is read from the environment (DATABASE_URL, JWT_SECRET,
WEBHOOK_SECRET, DOCKER_HOST, ...). Typical use:
  stackpilot migrate                 # Apply schema migrations.
  stackpilot serve                   # Run the API with an embedded build worker.
  stackpilot worker                  # Run a standalone build worker.
  stackpilot token --subject ci      # Mint an API token.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stackpilot",
		Long:         rootLongHelp,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "",
		"override LOG_LEVEL (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "",
		"override LOG_FORMAT (json, text)")

	cmd.AddCommand(
		newServe(opts).Command(),
		newWorker(opts).Command(),
		newMigrate(opts).Command(),
		newReconcile(opts).Command(),
		newToken().Command(),
		newKeygenCommand(),
		newVersionCommand(),
	)
	return cmd
}

// config loads configuration and applies flag overrides.
func (opts *rootOpts) config() (*config.Config, *logger.Logger, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	return cfg, logger.FromConfig(cfg.Log.Level, cfg.Log.Format), nil
}
