package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Migrate brings the schema up to date for every stepflow table:
manifest groups, manifests, metadata, step metadata, logs, the work
queue, dead letters, and background jobs. It is additive and safe to
run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			opts.newLogger(cfg)

			client, err := connectStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}

			fmt.Printf("Schema up to date on %s/%s\n", cfg.Database.Host, cfg.Database.Database)
			return nil
		},
	}
}
