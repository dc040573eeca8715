package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/storage"
)

// WorkflowMetrics publishes run and step outcomes as Prometheus
// series. Attach its factories to the bus so every run the process
// executes is counted.
type WorkflowMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	steps    *prometheus.CounterVec
}

// NewWorkflowMetrics creates the series and registers them on reg.
func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Workflow state transitions by workflow name and state.",
		}, []string{"workflow", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Wall time of workflow runs that reached a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // from 5ms to ~41s
		}, []string{"workflow", "state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "step",
			Name:      "executions_total",
			Help:      "Step slot outcomes by workflow name and track.",
		}, []string{"workflow", "track"}),
	}
	reg.MustRegister(m.runs, m.duration, m.steps)
	return m
}

// Provider returns the workflow-scope factory counting each state
// transition once per save. Terminal transitions also observe the
// run's wall time.
func (m *WorkflowMetrics) Provider() effect.ProviderFactory {
	return func(scope *effect.RunScope) (effect.Provider, error) {
		return &runMetricsProvider{scope: scope, metrics: m}, nil
	}
}

type runMetricsProvider struct {
	scope   *effect.RunScope
	metrics *WorkflowMetrics
	counted storage.WorkflowState
}

func (p *runMetricsProvider) Track(any) {}

func (p *runMetricsProvider) SaveChanges(context.Context) error {
	md := p.scope.Metadata
	if md == nil || md.WorkflowState == p.counted {
		return nil
	}
	p.metrics.runs.WithLabelValues(md.Name, string(md.WorkflowState)).Inc()
	if md.WorkflowState.IsTerminal() && md.EndTime != nil {
		p.metrics.duration.WithLabelValues(md.Name, string(md.WorkflowState)).
			Observe(md.EndTime.Sub(md.StartTime).Seconds())
	}
	p.counted = md.WorkflowState
	return nil
}

func (p *runMetricsProvider) Dispose() error { return nil }

// StepProvider returns the step-scope factory counting step slots by
// outcome track, skipped slots included.
func (m *WorkflowMetrics) StepProvider() effect.StepProviderFactory {
	return func(scope *effect.RunScope) (effect.StepProvider, error) {
		return &stepMetricsProvider{metrics: m}, nil
	}
}

type stepMetricsProvider struct {
	metrics *WorkflowMetrics
}

func (p *stepMetricsProvider) BeforeStepExecution(context.Context, *effect.StepContext) error {
	return nil
}

func (p *stepMetricsProvider) AfterStepExecution(_ context.Context, sc *effect.StepContext) error {
	p.metrics.steps.WithLabelValues(sc.WorkflowName, string(sc.Track)).Inc()
	return nil
}

func (p *stepMetricsProvider) Dispose() error { return nil }
