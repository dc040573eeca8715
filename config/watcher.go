package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/stepflow/component"
)

// reloadDebounce is how long the watcher waits after a file event
// before reloading, so editors that write in several steps trigger a
// single reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk. Each good
// reload applies the logging level to the shared level var and hands
// the new config to the optional callback; a file that fails to load
// or validate is logged and skipped, keeping the last good config in
// effect.
type Watcher struct {
	name     string
	path     string
	level    *slog.LevelVar
	onReload func(*Config)
	logger   *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	reloads  atomic.Int64
	failures atomic.Int64
}

var _ component.Component = (*Watcher)(nil)

// NewWatcher creates a watcher for the config file at path. The level
// var receives the logging level from each reloaded config.
func NewWatcher(path string, level *slog.LevelVar, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if level == nil {
		return nil, fmt.Errorf("level var required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		name:   "config-watcher",
		path:   abs,
		level:  level,
		logger: logger,
	}, nil
}

// OnReload registers a callback invoked with each reloaded config.
// It must be set before Start.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = fn
}

// Name implements component.Component.
func (w *Watcher) Name() string { return w.name }

// Start begins watching the config file's directory. Watching the
// directory rather than the file keeps the watch alive across editors
// that save by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.running = true
	w.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop(subCtx, fsw)

	w.logger.Info("config-watcher started", "path", w.path)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	config, err := LoadFromFile(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("failed to reload config", "path", w.path, "error", err)
		return
	}
	if err := config.Validate(); err != nil {
		w.failures.Add(1)
		w.logger.Warn("reloaded config is invalid", "path", w.path, "error", err)
		return
	}

	w.level.Set(config.Logging.GetLevel())
	w.reloads.Add(1)
	if w.onReload != nil {
		w.onReload(config)
	}
	w.logger.Info("config reloaded", "path", w.path, "level", config.Logging.GetLevel().String())
}

// Stop implements component.Component.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.cancel != nil {
		w.cancel()
	}
	done := w.done
	w.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return fmt.Errorf("config-watcher did not stop within %s", timeout)
		}
	}

	w.logger.Info("config-watcher stopped",
		"reloads", w.reloads.Load(),
		"failures", w.failures.Load())
	return nil
}

// Health implements component.Component.
func (w *Watcher) Health() component.Health {
	w.mu.RLock()
	running := w.running
	startTime := w.startTime
	w.mu.RUnlock()

	status := "stopped"
	uptime := time.Duration(0)
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}

	return component.Health{
		Healthy:    running,
		Status:     status,
		LastCheck:  time.Now(),
		ErrorCount: int(w.failures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the watch loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Reloads returns the number of successful config reloads.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Failures returns the number of rejected or unreadable reloads.
func (w *Watcher) Failures() int64 { return w.failures.Load() }
