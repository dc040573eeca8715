// Package metrics exports the process's operational state over HTTP:
// a Prometheus endpoint scraping component counters and workflow run
// series, and a health report built from the component registry.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/stepflow/component"
)

// Server serves the Prometheus handler and the component health
// report on one listener.
type Server struct {
	name       string
	config     Config
	gatherer   prometheus.Gatherer
	components *component.Registry
	logger     *slog.Logger

	// Lifecycle
	running    bool
	startTime  time.Time
	mu         sync.RWMutex
	cancel     context.CancelFunc
	done       chan struct{}
	httpServer *http.Server
	addr       string

	// Metrics
	serveFailures atomic.Int64
}

var _ component.Component = (*Server)(nil)

// NewServer creates the metrics endpoint over a gatherer and the
// component registry backing /healthz.
func NewServer(config Config, gatherer prometheus.Gatherer, components *component.Registry, logger *slog.Logger) (*Server, error) {
	defaults := DefaultConfig()
	if config.Listen == "" {
		config.Listen = defaults.Listen
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if gatherer == nil {
		return nil, fmt.Errorf("prometheus gatherer required")
	}
	if components == nil {
		return nil, fmt.Errorf("component registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		name:       "metrics-server",
		config:     config,
		gatherer:   gatherer,
		components: components,
		logger:     logger,
	}, nil
}

// Name implements component.Component.
func (s *Server) Name() string { return s.name }

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.GetPath(), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	s.running = true
	s.startTime = time.Now()
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	server := s.httpServer
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveFailures.Add(1)
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-subCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "addr", s.addr, "path", s.config.GetPath())
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.components.Health()

	code := http.StatusOK
	for _, h := range report {
		if !h.Healthy {
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn("write health report", "error", err)
	}
}

// Stop shuts the listener down and waits up to timeout for in-flight
// requests to drain.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return fmt.Errorf("metrics server did not stop within %s", timeout)
		}
	}

	s.logger.Info("metrics server stopped")
	return nil
}

// Health implements component.Component.
func (s *Server) Health() component.Health {
	s.mu.RLock()
	running := s.running
	startTime := s.startTime
	s.mu.RUnlock()

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
		ErrorCount: int(s.serveFailures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the listener is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
