package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/narvanalabs/stackpilot/internal/store/postgres"
)

type migrateOpts struct {
	*rootOpts
}

func newMigrate(parent *rootOpts) *migrateOpts {
	return &migrateOpts{rootOpts: parent}
}

func (opts *migrateOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  opts.RunE,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE:  opts.versionRunE,
	})
	return cmd
}

func (opts *migrateOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	return opts.withDatabase(cmd.Context(), func(ctx context.Context, st *pgstore.PostgresStore) error {
		if err := pgstore.Migrate(ctx, st.DB(), nil); err != nil {
			return err
		}
		v, err := pgstore.MigrationVersion(ctx, st.DB())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
		return nil
	})
}

func (opts *migrateOpts) versionRunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	return opts.withDatabase(cmd.Context(), func(ctx context.Context, st *pgstore.PostgresStore) error {
		v, err := pgstore.MigrationVersion(ctx, st.DB())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	})
}

func (opts *migrateOpts) withDatabase(ctx context.Context, fn func(context.Context, *pgstore.PostgresStore) error) error {
	cfg, log, err := opts.config()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != "postgres" {
		return errors.New("migrations require STORE_BACKEND=postgres")
	}
	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), nil, log.Logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st)
}
