package main

import (
	"fmt"

	"github.com/spf13/cobra"

	metadatacleanup "github.com/c360studio/stepflow/processor/metadata-cleanup"
	"github.com/c360studio/stepflow/storage"
)

func cleanupCmd(opts *cliOptions) *cobra.Command {
	var (
		retention string
		workflows []string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge terminal workflow metadata past retention",
		Long: `Cleanup runs one retention pass immediately: terminal metadata of
the whitelisted workflows older than the retention period is deleted
together with its work queue items, logs, and step metadata. The serve
command runs the same pass on the configured cron schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, _ := opts.newLogger(cfg)

			if retention != "" {
				cfg.Cleanup.RetentionPeriod = retention
			}
			if len(workflows) > 0 {
				cfg.Cleanup.Workflows = workflows
			}
			if len(cfg.Cleanup.Workflows) == 0 {
				return fmt.Errorf("no workflows whitelisted for cleanup; set cleanup.workflows or pass --workflow")
			}

			client, err := connectStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			comp, err := metadatacleanup.New(cfg.Cleanup, storage.NewMaintenanceStore(client), logger, nil)
			if err != nil {
				return fmt.Errorf("create metadata-cleanup: %w", err)
			}

			stats, err := comp.Cleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			fmt.Printf("Purged %d rows (metadata: %d, work queue: %d, logs: %d, step metadata: %d)\n",
				stats.Total(), stats.Metadata, stats.WorkQueues, stats.Logs, stats.StepMetadata)
			return nil
		},
	}

	cmd.Flags().StringVar(&retention, "retention", "", "Retention period override (e.g. 168h)")
	cmd.Flags().StringArrayVar(&workflows, "workflow", nil, "Workflow name to purge (repeatable, overrides config)")

	return cmd
}
