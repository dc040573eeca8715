package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/config"
	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/metrics"
	jobdispatcher "github.com/c360studio/stepflow/processor/job-dispatcher"
	manifestmanager "github.com/c360studio/stepflow/processor/manifest-manager"
	metadatacleanup "github.com/c360studio/stepflow/processor/metadata-cleanup"
	taskserver "github.com/c360studio/stepflow/processor/task-server"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// App wires configuration, storage, the workflow bus, and the
// processor components into one runnable unit. Tests inject memory
// stores; serve opens Postgres.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Storage. When stores is set before Start, no connection is
	// opened and client stays nil.
	client      *storage.Client
	stores      *storage.Stores
	maintenance storage.MaintenanceStore
	dataFactory storage.DataContextFactory

	// Workflow plumbing
	registry    *bus.Registry
	bus         *bus.Bus
	registerFns []func(*bus.Registry) error

	// Events
	eventsConn *nats.Conn

	// Metrics
	prom          *prometheus.Registry
	metricsServer *metrics.Server

	// Components
	taskServer taskserver.Server
	components *component.Registry

	// Config watching
	watchPath  string
	watchLevel *slog.LevelVar
}

// newApp creates an application over the config. Nothing is opened or
// started until Start.
func newApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// RegisterWorkflows queues registration hooks that run against the bus
// registry during Start, after the manifest executor is registered.
func (a *App) RegisterWorkflows(fns ...func(*bus.Registry) error) {
	a.registerFns = append(a.registerFns, fns...)
}

// WatchConfig arranges for a config watcher component that applies
// log-level changes from path to level while serve runs.
func (a *App) WatchConfig(path string, level *slog.LevelVar) {
	a.watchPath = path
	a.watchLevel = level
}

// Start opens storage, builds the bus and components, and starts
// everything. A partial start is rolled back by the component
// registry.
func (a *App) Start(ctx context.Context) error {
	if err := a.openStorage(); err != nil {
		return err
	}
	if err := a.buildBus(); err != nil {
		return err
	}
	if err := a.buildComponents(); err != nil {
		return err
	}
	if err := a.components.StartAll(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	return nil
}

func (a *App) openStorage() error {
	if a.stores != nil {
		return nil
	}

	client, err := storage.Connect(a.cfg.Database)
	if err != nil {
		return wrapPostgresError(err, a.cfg.Database)
	}
	a.client = client
	a.stores = storage.NewStores(client, nil)
	a.maintenance = storage.NewMaintenanceStore(client)
	a.dataFactory = func() storage.DataContext { return storage.NewDataContext(client) }

	a.logger.Info("connected to database",
		"host", a.cfg.Database.Host,
		"database", a.cfg.Database.Database)
	return nil
}

// buildBus assembles the run options every workflow execution shares
// and registers the manifest executor plus any embedded workflows.
func (a *App) buildBus() error {
	opts := []workflow.Option{
		workflow.WithLogger(a.logger),
		workflow.WithJSONOptions(a.cfg.Workflow.JSON),
		workflow.WithStepEffects(
			effect.StepMetadataRecorder(a.cfg.Workflow.SerializeStepData),
			effect.StepLogging(a.cfg.Workflow.GetStepLogLevel()),
		),
	}

	if a.dataFactory != nil {
		opts = append(opts,
			workflow.WithDataContext(a.dataFactory),
			workflow.WithEffects(effect.DataContext()),
		)
		// Diff logging marshals every tracked model on each save.
		if a.cfg.Logging.GetLevel() <= slog.LevelDebug {
			opts = append(opts, workflow.WithEffects(effect.JSONSnapshot()))
		}
	}

	if a.cfg.Events.Enabled {
		conn, err := nats.Connect(a.cfg.Events.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return wrapNATSError(err, a.cfg.Events.URL)
		}
		a.eventsConn = conn
		opts = append(opts,
			workflow.WithEffects(effect.Events(conn, a.cfg.Events.SubjectPrefix)),
			workflow.WithStepEffects(effect.StepEvents(conn, a.cfg.Events.SubjectPrefix)),
		)
		a.logger.Info("lifecycle events enabled",
			"url", a.cfg.Events.URL,
			"subject_prefix", a.cfg.Events.SubjectPrefix)
	}

	if a.cfg.Metrics.Enabled {
		a.prom = prometheus.NewRegistry()
		wm := metrics.NewWorkflowMetrics(a.prom)
		opts = append(opts,
			workflow.WithEffects(wm.Provider()),
			workflow.WithStepEffects(wm.StepProvider()),
		)
	}

	a.registry = bus.NewRegistry()
	a.bus = bus.New(a.registry, opts...)
	bus.MustRegister(a.registry, executor.New(a.stores.Metadata, a.stores.Manifests, a.bus, nil))

	for _, register := range a.registerFns {
		if err := register(a.registry); err != nil {
			return fmt.Errorf("register workflows: %w", err)
		}
	}
	return nil
}

func (a *App) buildComponents() error {
	a.components = component.NewRegistry(a.logger)

	switch a.cfg.TaskServer.GetKind() {
	case taskserver.KindMemory:
		a.taskServer = taskserver.NewMemoryServer(a.stores, a.bus, a.logger)
	default:
		durable, err := taskserver.New(a.cfg.TaskServer, a.stores, a.bus, a.logger, nil)
		if err != nil {
			return fmt.Errorf("create task-server: %w", err)
		}
		a.taskServer = durable
	}

	dispatcher, err := jobdispatcher.New(a.cfg.Dispatcher, a.stores, a.taskServer.Enqueue, a.logger, nil)
	if err != nil {
		return fmt.Errorf("create job-dispatcher: %w", err)
	}

	manager, err := manifestmanager.New(a.cfg.Manager, a.stores, a.logger, nil)
	if err != nil {
		return fmt.Errorf("create manifest-manager: %w", err)
	}

	cleanup, err := metadatacleanup.New(a.cfg.Cleanup, a.maintenance, a.logger, nil)
	if err != nil {
		return fmt.Errorf("create metadata-cleanup: %w", err)
	}

	// Consumers start before producers; StopAll reverses, so the
	// manager stops feeding the queue before the task server drains.
	a.components.Add(a.taskServer, dispatcher, manager, cleanup)

	if a.cfg.Metrics.Enabled {
		stats := metrics.NewStatsCollector()
		stats.AddCounter("manager", "ticks_total",
			"Scheduling passes completed by the manifest manager.",
			asFloat(manager.TicksCompleted))
		stats.AddCounter("", "dead_letters_total",
			"Manifests dead-lettered after exhausting retries.",
			asFloat(manager.ManifestsReaped))
		stats.AddCounter("", "dispatches_total",
			"Work queue items promoted to background jobs.",
			asFloat(dispatcher.JobsDispatched))
		stats.AddGauge("", "work_queue_depth",
			"Queued work items seen by the latest dispatcher tick.",
			asFloat(dispatcher.QueueDepth))
		if durable, ok := a.taskServer.(*taskserver.Component); ok {
			stats.AddCounter("", "jobs_claimed_total",
				"Background job rows leased by task server workers.",
				asFloat(durable.JobsClaimed))
			stats.AddGauge("", "active_workers",
				"Task server workers currently executing a job.",
				asFloat(durable.ActiveWorkers))
		}
		if err := a.prom.Register(stats); err != nil {
			return fmt.Errorf("register stats collector: %w", err)
		}

		server, err := metrics.NewServer(a.cfg.Metrics, a.prom, a.components, a.logger)
		if err != nil {
			return fmt.Errorf("create metrics server: %w", err)
		}
		a.metricsServer = server
		a.components.Add(server)
	}

	if a.watchPath != "" {
		watcher, err := config.NewWatcher(a.watchPath, a.watchLevel, a.logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		a.components.Add(watcher)
	}

	return nil
}

// Shutdown stops components in reverse start order, then closes the
// events connection and the database.
func (a *App) Shutdown(timeout time.Duration) {
	if a.components != nil {
		if err := a.components.StopAll(timeout); err != nil {
			a.logger.Error("error stopping components", "error", err)
		}
	}
	if a.eventsConn != nil {
		if err := a.eventsConn.Drain(); err != nil {
			a.logger.Warn("drain events connection", "error", err)
		}
		a.eventsConn.Close()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
	a.logger.Info("stepflow shutdown complete")
}

// asFloat adapts a component counter getter for the stats collector.
func asFloat(v func() int64) func() float64 {
	return func() float64 { return float64(v()) }
}
