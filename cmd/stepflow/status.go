package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c360studio/stepflow/storage"
)

func statusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show manifest, queue, and dead letter counts",
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

			report, err := storage.NewMaintenanceStore(client).StatusReport(cmd.Context())
			if err != nil {
				return fmt.Errorf("load status: %w", err)
			}

			fmt.Printf("Manifests:       %d (%d enabled)\n", report.Manifests, report.EnabledManifests)
			fmt.Printf("Background jobs: %d\n", report.BackgroundJobs)
			printBuckets("Workflow runs", report.MetadataByState)
			printBuckets("Work queue", report.WorkQueueByState)
			printBuckets("Dead letters", report.DeadLetters)
			return nil
		},
	}
}

func printBuckets(title string, buckets map[string]int64) {
	fmt.Printf("%s:\n", title)
	if len(buckets) == 0 {
		fmt.Println("  (none)")
		return
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-22s %d\n", k, buckets[k])
	}
}
