package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Database.IsPostgres() {
			return errors.New("MEDIA_DATABASE_URL must point at Postgres")
		}
		ctx := cmd.Context()
		pool, err := config.NewPool(ctx, cfg.Database.URL, cfg.Database.Schema)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repopg.Migrate(ctx, pool); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (schema %s)\n", cfg.Database.Schema)
		return nil
	},
}
