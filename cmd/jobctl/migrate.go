package main

import (
	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/db"
)

func migrateCmd() *cobra.Command {
	var dryRun bool
	command := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				files, err := db.MigrationFiles()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"migrations": files})
			}

			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			app.NewLogger(cfg.LogLevel).InfoContext(ctx, "migrations applied", "count", len(applied))
			return printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
		},
	}
	command.Flags().BoolVar(&dryRun, "dry-run", false, "List embedded migrations without connecting")
	return command
}
