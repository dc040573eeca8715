package workflow

import (
	"log/slog"
	"time"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/storage"
)

// Options configure one workflow execution.
type Options struct {
	metadata      *storage.Metadata
	parent        *storage.Metadata
	manifestID    *int64
	factories     []effect.ProviderFactory
	stepFactories []effect.StepProviderFactory
	dataFactory   storage.DataContextFactory
	clock         func() time.Time
	logger        *slog.Logger
	json          effect.JSONOptions
	services      []any
}

// Option mutates execution options.
type Option func(*Options)

// WithMetadata adopts an existing metadata row instead of creating a
// fresh one. The dispatcher uses this to hand a Pending row to the
// run that executes it.
func WithMetadata(md *storage.Metadata) Option {
	return func(o *Options) { o.metadata = md }
}

// WithParent links the run's metadata to a parent run.
func WithParent(parent *storage.Metadata) Option {
	return func(o *Options) { o.parent = parent }
}

// WithManifestID links the run's metadata to a manifest.
func WithManifestID(id int64) Option {
	return func(o *Options) { o.manifestID = &id }
}

// WithEffects appends workflow-scope effect provider factories.
func WithEffects(factories ...effect.ProviderFactory) Option {
	return func(o *Options) { o.factories = append(o.factories, factories...) }
}

// WithStepEffects appends step-scope effect provider factories.
func WithStepEffects(factories ...effect.StepProviderFactory) Option {
	return func(o *Options) { o.stepFactories = append(o.stepFactories, factories...) }
}

// WithDataContext attaches a data context factory; each run acquires
// its own context and saves through it.
func WithDataContext(factory storage.DataContextFactory) Option {
	return func(o *Options) { o.dataFactory = factory }
}

// WithClock overrides the run's time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.clock = clock }
}

// WithLogger sets the base logger for the run.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// WithJSONOptions sets the serialization policy for run parameters and
// step data.
func WithJSONOptions(json effect.JSONOptions) Option {
	return func(o *Options) { o.json = json }
}

// WithServices attaches service instances for IChain resolution.
func WithServices(services ...any) Option {
	return func(o *Options) { o.services = append(o.services, services...) }
}

func buildOptions(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
