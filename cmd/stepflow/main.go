// Package main provides the stepflow binary entry point.
// Stepflow schedules and executes typed multi-step workflows against
// Postgres: manifests describe when each workflow runs, processor
// components move due work through the queue, and dead letters hold
// what failed past its retry budget for an operator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/stepflow/config"
	"github.com/c360studio/stepflow/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stepflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions carries the flags every subcommand shares.
type cliOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Workflow scheduling and execution server",
		Long: `Stepflow runs typed multi-step workflows on a schedule.

Manifests describe when a workflow runs: a cron expression, a fixed
interval, completion of another manifest, or on demand. The serve
command runs the scheduling machinery end to end; the remaining
commands are the operator surface over the same database.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(statusCmd(opts))
	cmd.AddCommand(cleanupCmd(opts))
	cmd.AddCommand(deadletterCmd(opts))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// load resolves configuration for a subcommand. An explicit --config
// path loads that file alone over the defaults; otherwise the layered
// loader runs, honoring STEPFLOW_CONFIG.
func (o *cliOptions) load() (*config.Config, error) {
	if o.configPath != "" {
		cfg, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.NewLoader(nil).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging config. The
// --log-level flag wins over the configured level. The returned level
// var is what the config watcher adjusts live.
func (o *cliOptions) newLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(cfg.Logging.GetLevel())

	switch strings.ToLower(o.logLevel) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, level
}

// watchTarget returns the config file the serve command should watch
// for live log-level changes, or empty when config came from the
// layered search.
func (o *cliOptions) watchTarget() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(config.EnvConfigPath)
}

func serveCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling and execution server",
		Long: `Serve runs every processor against the configured database: the
manifest manager enqueues due manifests, the job dispatcher promotes
queued work within group capacity, the task server executes workflows
from leased job rows, and metadata cleanup purges terminal runs past
retention.

Workflow types are registered by the binary embedding stepflow; this
stock build registers only the manifest executor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *cliOptions) error {
	// Print banner
	printBanner()

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger, level := opts.newLogger(cfg)

	app := newApp(cfg, logger)
	if path := opts.watchTarget(); path != "" {
		app.WatchConfig(path, level)
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("stepflow ready", "version", Version)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Stepflow v" + Version + "                    ║")
	fmt.Println("║      Workflow Scheduling and Execution        ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// connectStorage opens the database for the one-shot commands.
func connectStorage(cfg *config.Config) (*storage.Client, error) {
	client, err := storage.Connect(cfg.Database)
	if err != nil {
		return nil, wrapPostgresError(err, cfg.Database)
	}
	return client, nil
}

// wrapPostgresError provides helpful guidance when the database
// connection fails.
func wrapPostgresError(err error, cfg storage.Config) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`database connection failed: %w

Postgres is not reachable at %s:%d.

To start Postgres:
  docker compose up -d postgres

Or point the database section of your config at a running server.`, err, cfg.Host, cfg.Port)
	}

	return fmt.Errorf("database connection failed: %w", err)
}

// wrapNATSError provides helpful guidance when the events connection
// fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or disable lifecycle events in the events section of your config.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
