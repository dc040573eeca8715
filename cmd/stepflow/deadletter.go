package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/stepflow/schedule"
	"github.com/c360studio/stepflow/storage"
)

func deadletterCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and resolve dead-lettered manifests",
		Long: `A manifest that fails past its retry budget stops scheduling and
lands in the dead letter table. List what is waiting, then either
retry (re-queue the manifest, optionally with replacement input) or
acknowledge (resolve without running; the manifest resumes its own
cadence).`,
	}

	cmd.AddCommand(deadletterListCmd(opts))
	cmd.AddCommand(deadletterAckCmd(opts))
	cmd.AddCommand(deadletterRetryCmd(opts))
	return cmd
}

// openDeadLetterService connects storage and returns the operator
// service plus a close func for the connection.
func openDeadLetterService(opts *cliOptions) (*schedule.DeadLetterService, func(), error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	logger, _ := opts.newLogger(cfg)

	client, err := connectStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	stores := storage.NewStores(client, nil)
	svc := schedule.NewDeadLetterService(stores.DeadLetters, logger, nil)
	return svc, func() { _ = client.Close() }, nil
}

func deadletterListCmd(opts *cliOptions) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseDeadLetterStatus(statusFilter)
			if err != nil {
				return err
			}

			svc, closeStorage, err := openDeadLetterService(opts)
			if err != nil {
				return err
			}
			defer closeStorage()

			letters, err := svc.List(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if len(letters) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			for _, d := range letters {
				fmt.Printf("#%d  manifest=%d  %s  %s\n",
					d.ID, d.ManifestID, d.Status, d.DeadLetteredAt.Format(time.RFC3339))
				fmt.Printf("    retries=%d  reason=%s\n",
					d.RetryCountAtDeadLetter, truncate(strings.ReplaceAll(d.Reason, "\n", " "), 120))
				if d.ResolutionNote != nil {
					fmt.Printf("    note=%s\n", *d.ResolutionNote)
				}
			}
			fmt.Printf("%d dead letter(s)\n", len(letters))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "awaiting", "Filter: awaiting, retried, acknowledged, or all")
	return cmd
}

func parseDeadLetterStatus(s string) (storage.DeadLetterStatus, error) {
	switch strings.ToLower(s) {
	case "", "awaiting":
		return storage.DeadLetterStatusAwaitingIntervention, nil
	case "retried":
		return storage.DeadLetterStatusRetried, nil
	case "acknowledged", "ack":
		return storage.DeadLetterStatusAcknowledged, nil
	case "all":
		return "", nil
	}
	return "", fmt.Errorf("unknown status %q (want awaiting, retried, acknowledged, or all)", s)
}

func deadletterAckCmd(opts *cliOptions) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Resolve a dead letter without retrying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead letter id %q", args[0])
			}

			svc, closeStorage, err := openDeadLetterService(opts)
			if err != nil {
				return err
			}
			defer closeStorage()

			d, err := svc.Acknowledge(cmd.Context(), id, note)
			if err != nil {
				return err
			}
			fmt.Printf("Dead letter #%d acknowledged (manifest %d)\n", d.ID, d.ManifestID)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Resolution note")
	return cmd
}

func deadletterRetryCmd(opts *cliOptions) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a dead letter's manifest",
		Long: `Retry marks the dead letter Retried and creates a queued run for
its manifest in the same transaction. Pass --input to replace the
manifest's stored properties for this run only; prefix with @ to read
the JSON from a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead letter id %q", args[0])
			}

			newInput, err := readInputFlag(input)
			if err != nil {
				return err
			}

			svc, closeStorage, err := openDeadLetterService(opts)
			if err != nil {
				return err
			}
			defer closeStorage()

			d, md, err := svc.Retry(cmd.Context(), id, newInput)
			if err != nil {
				return err
			}
			fmt.Printf("Dead letter #%d retried (manifest %d, metadata %d)\n", d.ID, d.ManifestID, md.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Replacement input JSON, or @file")
	return cmd
}

func readInputFlag(input string) (json.RawMessage, error) {
	if input == "" {
		return nil, nil
	}
	if strings.HasPrefix(input, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(input, "@"))
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		return data, nil
	}
	return json.RawMessage(input), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
